package store

import (
	"fmt"
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/connpool"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/platform"
	"github.com/igodwin/scribed/internal/rpcwire"
)

// probeThreshold: batches whose aggregate payload exceeds this many
// bytes get a zero-length probe sent first, to detect denial quickly.
const probeThreshold = 4096

// ServiceLookup resolves a named service to a randomized list of
// candidate endpoints — the external directory of spec.md §4.3 mode 2.
type ServiceLookup func(service, options string) ([]rpcwire.HostPort, error)

// DynamicLookup is the pluggable module of spec.md §4.3 mode 3: it
// returns the current (host, port) for category on every periodic
// check; ok=false means "no change available right now".
type DynamicLookup func(category, dynamicConfigType string) (host string, port int, ok bool)

// sendResult classifies a send outcome per spec.md §4.3.
type sendResult int

const (
	sendOk sendResult = iota
	sendTransient
	sendFatal
)

// NetworkStore sends batches to another instance of this server, over
// one of three target-resolution modes: fixed host:port, a named
// service re-resolved no more often than service_cache_timeout, or a
// dynamic module consulted on every periodic check.
type NetworkStore struct {
	statusHolder
	multiCategoryFlag

	category string
	sink     metrics.Sink
	pool     *connpool.Pool
	service  ServiceLookup
	dynamic  DynamicLookup

	mode                string // "fixed" | "service" | "dynamic"
	remoteHost          string
	remotePort          int
	smcService          string
	serviceOptions      string
	serviceCacheTimeout time.Duration
	timeout             time.Duration
	useConnPool         bool
	dynamicConfigType   string

	open               bool
	currentHost        string
	currentPort        int
	lastServiceResolve time.Time
	dedicated          *rpcwire.Client
}

var _ Store = (*NetworkStore)(nil)

// NewNetworkStore constructs an unconfigured network store. pool is the
// shared, process-wide connection pool; service/dynamic are the
// pluggable resolvers for modes 2 and 3 and may be nil when unused.
func NewNetworkStore(category string, pool *connpool.Pool, service ServiceLookup, dynamic DynamicLookup) *NetworkStore {
	return &NetworkStore{
		category: category,
		sink:     metrics.NullSink{},
		pool:     pool,
		service:  service,
		dynamic:  dynamic,
		timeout:  time.Second,
	}
}

func (n *NetworkStore) TypeName() string { return "network" }

func (n *NetworkStore) Configure(node *conftree.Node, sink metrics.Sink) error {
	n.sink = sink
	t := "network"
	n.remoteHost = conftree.ResolveString(node, t, "remote_host", "")
	n.remotePort = conftree.ResolveInt(node, t, "remote_port", 0)
	n.smcService = conftree.ResolveString(node, t, "smc_service", "")
	n.serviceOptions = conftree.ResolveString(node, t, "service_options", "")
	n.serviceCacheTimeout = time.Duration(conftree.ResolveInt(node, t, "service_cache_timeout", 60)) * time.Second
	n.timeout = time.Duration(conftree.ResolveInt(node, t, "timeout", 1000)) * time.Millisecond
	n.useConnPool = conftree.ResolveBool(node, t, "use_conn_pool", true)
	n.dynamicConfigType = conftree.ResolveString(node, t, "dynamic_config_type", "")

	switch {
	case n.dynamicConfigType != "":
		n.mode = "dynamic"
	case n.smcService != "":
		n.mode = "service"
	default:
		n.mode = "fixed"
		if n.remoteHost == "" || n.remotePort == 0 {
			return fmt.Errorf("network store %q: remote_host/remote_port required without smc_service or dynamic_config_type", n.category)
		}
	}
	return nil
}

func (n *NetworkStore) key() string {
	if n.mode == "service" {
		return n.smcService
	}
	return fmt.Sprintf("%s:%d", n.currentHost, n.currentPort)
}

func (n *NetworkStore) resolveTarget() bool {
	switch n.mode {
	case "fixed":
		n.currentHost, n.currentPort = n.remoteHost, n.remotePort
		return true
	case "service":
		if n.service == nil {
			n.setStatus("no service lookup configured")
			return false
		}
		endpoints, err := n.service(n.smcService, n.serviceOptions)
		if err != nil || len(endpoints) == 0 {
			n.setStatus(fmt.Sprintf("service lookup failed: %v", err))
			return false
		}
		pick := endpoints[platform.Intn(len(endpoints))]
		n.currentHost, n.currentPort = pick.Host, pick.Port
		n.lastServiceResolve = platform.Now()
		return true
	case "dynamic":
		if n.dynamic == nil {
			n.setStatus("no dynamic resolver configured")
			return false
		}
		host, port, ok := n.dynamic(n.category, n.dynamicConfigType)
		if !ok {
			n.setStatus("dynamic resolver: no mapping")
			return false
		}
		n.currentHost, n.currentPort = host, port
		return true
	}
	return false
}

func (n *NetworkStore) Open() bool {
	if !n.resolveTarget() {
		return false
	}
	addr := fmt.Sprintf("%s:%d", n.currentHost, n.currentPort)
	if n.useConnPool {
		err := n.pool.Open(n.key(), func() (connpool.Conn, error) {
			return rpcwire.Dial(addr, n.timeout)
		})
		if err != nil {
			n.setStatus(fmt.Sprintf("connect failed: %v", err))
			return false
		}
	} else {
		client, err := rpcwire.Dial(addr, n.timeout)
		if err != nil {
			n.setStatus(fmt.Sprintf("connect failed: %v", err))
			return false
		}
		n.dedicated = client
	}
	n.open = true
	n.setStatus("")
	return true
}

func (n *NetworkStore) Close() {
	if !n.open {
		return
	}
	if n.useConnPool {
		n.pool.Close(n.key())
	} else if n.dedicated != nil {
		_ = n.dedicated.Close()
		n.dedicated = nil
	}
	n.open = false
}

func (n *NetworkStore) IsOpen() bool { return n.open }

func (n *NetworkStore) send(batch entry.Batch) (rpcwire.Code, error) {
	if n.useConnPool {
		return n.pool.Send(n.key(), batch)
	}
	return n.dedicated.Log(batch)
}

func (n *NetworkStore) classify(code rpcwire.Code, err error) sendResult {
	if err != nil {
		return sendFatal
	}
	if code == rpcwire.CodeTryLater {
		return sendTransient
	}
	return sendOk
}

func (n *NetworkStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	if !n.open {
		return false, batch
	}
	n.sink.Counter(metrics.CategoryCounter(n.category, metrics.NetworkIn), int64(len(batch)))

	if batch.ByteSize() > probeThreshold {
		code, err := n.send(nil)
		if n.classify(code, err) != sendOk {
			if n.classify(code, err) == sendFatal {
				n.handleFatal(err)
			}
			return false, batch
		}
	}

	code, err := n.send(batch)
	switch n.classify(code, err) {
	case sendOk:
		n.sink.Counter(metrics.CategoryCounter(n.category, metrics.NetworkSent), int64(len(batch)))
		return true, nil
	case sendTransient:
		return false, batch
	default:
		n.handleFatal(err)
		return false, batch
	}
}

func (n *NetworkStore) handleFatal(err error) {
	n.sink.Counter(metrics.CategoryCounter(n.category, metrics.NetworkDisconnectErr), 1)
	n.setStatus(fmt.Sprintf("fatal send error: %v", err))
	n.Close()
}

func (n *NetworkStore) Flush() {}

// PeriodicCheck re-resolves the service or dynamic target when due,
// closing and reopening if the endpoint changed.
func (n *NetworkStore) PeriodicCheck(now time.Time) {
	if !n.open {
		return
	}
	switch n.mode {
	case "service":
		if now.Sub(n.lastServiceResolve) < n.serviceCacheTimeout {
			return
		}
		prevHost, prevPort := n.currentHost, n.currentPort
		if !n.resolveTarget() {
			return
		}
		if prevHost != n.currentHost || prevPort != n.currentPort {
			n.Close()
			n.Open()
		}
	case "dynamic":
		prevHost, prevPort := n.currentHost, n.currentPort
		if !n.resolveTarget() {
			return
		}
		if prevHost != n.currentHost || prevPort != n.currentPort {
			n.Close()
			n.Open()
		}
	}
}

func (n *NetworkStore) Copy(category string) Store {
	return &NetworkStore{
		category:            category,
		sink:                n.sink,
		pool:                n.pool,
		service:             n.service,
		dynamic:             n.dynamic,
		mode:                n.mode,
		remoteHost:          n.remoteHost,
		remotePort:          n.remotePort,
		smcService:          n.smcService,
		serviceOptions:      n.serviceOptions,
		serviceCacheTimeout: n.serviceCacheTimeout,
		timeout:             n.timeout,
		useConnPool:         n.useConnPool,
		dynamicConfigType:   n.dynamicConfigType,
	}
}
