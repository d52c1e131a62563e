package endpoint

import (
	"runtime"
	"time"
)

const defaultPollerEventQueueSize = 1024

// Thread priorities follow the 1..10 scale, 5 being normal.
const (
	minPriority  = 1
	normPriority = 5
	maxPriority  = 10
)

// Config holds every tunable of an Endpoint.
type Config struct {
	Name string // label used in logs and metrics

	Address     string // host to bind; empty means all interfaces
	Port        int    // 0 picks an ephemeral port
	AcceptCount int    // listen backlog

	MaxConnections int64 // admission limit; -1 disables it

	AcceptorThreadCount    int
	AcceptorThreadPriority int // 1..10, 5 is normal
	PollerThreadCount      int
	PollerThreadPriority   int // 1..10, 5 is normal
	PollerEventQueueSize   int // registration requests buffered per poller

	MinSpareThreads int           // resident workers
	MaxThreads      int           // worker ceiling
	MaxQueueSize    int           // pending processing tasks
	ThreadKeepAlive time.Duration // idle time before a spare worker retires

	MaxKeepAliveRequests int // -1 unlimited, 0 or 1 disables keep-alive

	ConnectionTimeout time.Duration // read timeout of a fresh connection
	ReadTimeout       time.Duration // 0 keeps ConnectionTimeout
	WriteTimeout      time.Duration // 0 keeps ConnectionTimeout

	BindOnInit  bool
	UseSendfile bool

	SelectorPoolShared       bool
	SelectorPoolMaxSelectors int

	SelectorTimeout time.Duration // upper bound of one epoll wait
	TimeoutInterval time.Duration // spacing of the timeout sweep
	UnlockTimeout   time.Duration // dial timeout used to wake a blocked acceptor

	Socket SocketProperties
}

// SocketProperties are applied to every accepted socket.
type SocketProperties struct {
	RxBufSize         int // SO_RCVBUF, 0 keeps the OS default
	TxBufSize         int // SO_SNDBUF, 0 keeps the OS default
	AppReadBufSize    int
	AppWriteBufSize   int
	OverflowChunkSize int

	TCPNoDelay   bool
	SoKeepAlive  bool
	SoLingerOn   bool
	SoLingerTime int           // seconds
	SoTimeout    time.Duration // SO_RCVTIMEO/SO_SNDTIMEO, 0 keeps the OS default
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	pollers := min(2, runtime.NumCPU())
	return Config{
		Name:                     "nio",
		Port:                     8080,
		AcceptCount:              100,
		MaxConnections:           8192,
		AcceptorThreadCount:      1,
		AcceptorThreadPriority:   normPriority,
		PollerThreadCount:        pollers,
		PollerThreadPriority:     normPriority,
		PollerEventQueueSize:     defaultPollerEventQueueSize,
		MinSpareThreads:          10,
		MaxThreads:               200,
		MaxQueueSize:             8192,
		ThreadKeepAlive:          60 * time.Second,
		MaxKeepAliveRequests:     100,
		ConnectionTimeout:        20 * time.Second,
		BindOnInit:               true,
		UseSendfile:              true,
		SelectorPoolShared:       true,
		SelectorPoolMaxSelectors: 200,
		SelectorTimeout:          time.Second,
		TimeoutInterval:          time.Second,
		UnlockTimeout:            250 * time.Millisecond,
		Socket: SocketProperties{
			AppReadBufSize:    8192,
			AppWriteBufSize:   8192,
			OverflowChunkSize: defaultOverflowChunkSize,
			TCPNoDelay:        true,
			SoLingerTime:      -1,
		},
	}
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeout > 0 {
		return c.ReadTimeout
	}
	return c.ConnectionTimeout
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return c.ConnectionTimeout
}

// normalize fills zero values that would make the endpoint unusable.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.AcceptCount <= 0 {
		c.AcceptCount = def.AcceptCount
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.AcceptorThreadCount <= 0 {
		c.AcceptorThreadCount = 1
	}
	if c.PollerThreadCount <= 0 {
		c.PollerThreadCount = 1
	}
	if c.PollerEventQueueSize <= 0 {
		c.PollerEventQueueSize = defaultPollerEventQueueSize
	}
	if c.AcceptorThreadPriority < minPriority || c.AcceptorThreadPriority > maxPriority {
		c.AcceptorThreadPriority = normPriority
	}
	if c.PollerThreadPriority < minPriority || c.PollerThreadPriority > maxPriority {
		c.PollerThreadPriority = normPriority
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = def.MaxThreads
	}
	if c.MinSpareThreads < 0 || c.MinSpareThreads > c.MaxThreads {
		c.MinSpareThreads = min(def.MinSpareThreads, c.MaxThreads)
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.ThreadKeepAlive <= 0 {
		c.ThreadKeepAlive = def.ThreadKeepAlive
	}
	if c.SelectorPoolMaxSelectors <= 0 {
		c.SelectorPoolMaxSelectors = def.SelectorPoolMaxSelectors
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = def.SelectorTimeout
	}
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = def.TimeoutInterval
	}
	if c.UnlockTimeout <= 0 {
		c.UnlockTimeout = def.UnlockTimeout
	}
	if c.Socket.AppReadBufSize <= 0 {
		c.Socket.AppReadBufSize = def.Socket.AppReadBufSize
	}
	if c.Socket.AppWriteBufSize <= 0 {
		c.Socket.AppWriteBufSize = def.Socket.AppWriteBufSize
	}
	if c.Socket.OverflowChunkSize <= 0 {
		c.Socket.OverflowChunkSize = def.Socket.OverflowChunkSize
	}
}
