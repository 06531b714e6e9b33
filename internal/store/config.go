package store

import (
	"fmt"
	"net"
	"time"
)

// OlricConfig configures the embedded Olric node that backs the shared
// key-value store.
type OlricConfig struct {
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort override what other members dial,
	// for NAT or several nodes on one host. Zero values fall back to the
	// bind settings.
	AdvertiseAddr string
	AdvertisePort int

	// MemberlistBindPort of 0 lets the gossip layer pick a free port.
	MemberlistBindPort int

	// JoinAddrs lists peers as host:port. Empty means single-node mode.
	JoinAddrs []string

	ReplicationMode   string // sync or async
	ReplicationFactor int
	PartitionCount    uint64
	BackupCount       int
	BackupMode        string // sync or async

	// MemberCountQuorum is how many members must be present before the
	// cluster reports itself ready.
	MemberCountQuorum int

	JoinRetryInterval time.Duration
	MaxJoinAttempts   int

	// LogLevel filters Olric's own log output: DEBUG, INFO, WARN or ERROR.
	LogLevel string

	KeepAlivePeriod time.Duration
	RequestTimeout  time.Duration

	// DMapName names the map holding entities, status records and the
	// site identity.
	DMapName string
}

// Defaults applied by NewDefaultOlricConfig and the service flags.
const (
	DefaultBindAddr           = "0.0.0.0"
	DefaultBindPort           = 3320
	DefaultAdvertiseAddr      = ""
	DefaultAdvertisePort      = 0
	DefaultMemberlistBindPort = 0
	DefaultReplicationMode    = "async"
	DefaultReplicationFactor  = 1
	DefaultPartitionCount     = 271
	DefaultBackupCount        = 1
	DefaultBackupMode         = "async"
	DefaultMemberCountQuorum  = 1
	DefaultJoinRetryInterval  = time.Second
	DefaultMaxJoinAttempts    = 30
	DefaultLogLevel           = "WARN"
	DefaultKeepAlivePeriod    = 30 * time.Second
	DefaultRequestTimeout     = 5 * time.Second
	DefaultDMapName           = "content-sync"
)

var olricLogLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// NewDefaultOlricConfig returns a single-node configuration.
func NewDefaultOlricConfig() *OlricConfig {
	return &OlricConfig{
		BindAddr:           DefaultBindAddr,
		BindPort:           DefaultBindPort,
		AdvertiseAddr:      DefaultAdvertiseAddr,
		AdvertisePort:      DefaultAdvertisePort,
		MemberlistBindPort: DefaultMemberlistBindPort,
		JoinAddrs:          []string{},
		ReplicationMode:    DefaultReplicationMode,
		ReplicationFactor:  DefaultReplicationFactor,
		PartitionCount:     DefaultPartitionCount,
		BackupCount:        DefaultBackupCount,
		BackupMode:         DefaultBackupMode,
		MemberCountQuorum:  DefaultMemberCountQuorum,
		JoinRetryInterval:  DefaultJoinRetryInterval,
		MaxJoinAttempts:    DefaultMaxJoinAttempts,
		LogLevel:           DefaultLogLevel,
		KeepAlivePeriod:    DefaultKeepAlivePeriod,
		RequestTimeout:     DefaultRequestTimeout,
		DMapName:           DefaultDMapName,
	}
}

func isListenIP(addr string) bool {
	return net.ParseIP(addr) != nil || addr == "0.0.0.0" || addr == "::"
}

func isPort(port int) bool {
	return port >= 1 && port <= 65535
}

func isSyncMode(mode string) bool {
	return mode == "sync" || mode == "async"
}

// Validate checks the node settings and, when peers are configured, the
// cluster sizing.
func (c *OlricConfig) Validate() error {
	switch {
	case c.BindAddr == "":
		return fmt.Errorf("bind address cannot be empty")
	case !isListenIP(c.BindAddr):
		return fmt.Errorf("bind address must be a valid IPv4 or IPv6 address, got: %s", c.BindAddr)
	case !isPort(c.BindPort):
		return fmt.Errorf("bind port must be between 1 and 65535, got: %d", c.BindPort)
	case c.AdvertiseAddr != "" && !isListenIP(c.AdvertiseAddr):
		return fmt.Errorf("advertise address must be a valid IPv4 or IPv6 address, got: %s", c.AdvertiseAddr)
	case c.AdvertisePort != 0 && !isPort(c.AdvertisePort):
		return fmt.Errorf("advertise port must be between 1 and 65535, got: %d", c.AdvertisePort)
	case c.MemberlistBindPort != 0 && !isPort(c.MemberlistBindPort):
		return fmt.Errorf("memberlist bind port must be between 1 and 65535, got: %d", c.MemberlistBindPort)
	case !isSyncMode(c.ReplicationMode):
		return fmt.Errorf("replication mode must be sync or async, got: %s", c.ReplicationMode)
	case c.ReplicationFactor < 1:
		return fmt.Errorf("replication factor must be at least 1, got: %d", c.ReplicationFactor)
	case c.PartitionCount < 1:
		return fmt.Errorf("partition count must be at least 1, got: %d", c.PartitionCount)
	case c.BackupCount < 0:
		return fmt.Errorf("backup count must be zero or greater, got: %d", c.BackupCount)
	case !isSyncMode(c.BackupMode):
		return fmt.Errorf("backup mode must be sync or async, got: %s", c.BackupMode)
	case c.MemberCountQuorum < 1:
		return fmt.Errorf("member count quorum must be at least 1, got: %d", c.MemberCountQuorum)
	case c.JoinRetryInterval <= 0:
		return fmt.Errorf("join retry interval must be positive, got: %v", c.JoinRetryInterval)
	case c.MaxJoinAttempts < 1:
		return fmt.Errorf("max join attempts must be at least 1, got: %d", c.MaxJoinAttempts)
	case !olricLogLevels[c.LogLevel]:
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.LogLevel)
	case c.KeepAlivePeriod <= 0:
		return fmt.Errorf("keep alive period must be positive")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive")
	case c.DMapName == "":
		return fmt.Errorf("dmap name cannot be empty")
	}

	return c.validateCluster()
}

func (c *OlricConfig) validateCluster() error {
	if c.IsSingleNode() {
		if c.MemberCountQuorum > 1 {
			return fmt.Errorf("member count quorum is %d but no join addresses provided", c.MemberCountQuorum)
		}
		return nil
	}

	if members := len(c.JoinAddrs) + 1; c.MemberCountQuorum > members {
		return fmt.Errorf("member count quorum (%d) cannot be greater than number of join addresses + 1 (%d)",
			c.MemberCountQuorum, members)
	}
	if c.ReplicationFactor < 2 {
		return fmt.Errorf("replication factor should be at least 2 in multi-node mode (current: %d)", c.ReplicationFactor)
	}

	return nil
}

// IsSingleNode reports whether no peers are configured.
func (c *OlricConfig) IsSingleNode() bool {
	return len(c.JoinAddrs) == 0
}
