package logging_test

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/igodwin/scribed/internal/logging"
)

func TestWithComponentTagsSubsequentLines(t *testing.T) {
	g := NewWithT(t)

	var buf bytes.Buffer
	logger := logging.New(logging.InfoLevel, &buf)
	dispatcherLogger := logger.WithComponent("dispatcher")

	dispatcherLogger.Info("denied")

	g.Expect(buf.String()).To(ContainSubstring("dispatcher: denied"))
}

func TestLoggerWithNoComponentOmitsTheTag(t *testing.T) {
	g := NewWithT(t)

	var buf bytes.Buffer
	logger := logging.New(logging.InfoLevel, &buf)
	logger.Info("starting")

	g.Expect(strings.TrimSpace(buf.String())).To(HaveSuffix("[INFO] starting"))
}

func TestDebugIsSuppressedBelowConfiguredLevel(t *testing.T) {
	g := NewWithT(t)

	var buf bytes.Buffer
	logger := logging.New(logging.InfoLevel, &buf)
	logger.Debug("should not appear")

	g.Expect(buf.String()).To(BeEmpty())
}
