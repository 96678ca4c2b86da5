package mldht

import (
	"flag"
	"time"
)

// Config holds the tunables for a DHT node. Use NewConfig for defaults.
type Config struct {
	// Address to bind the UDP socket to. Empty means all interfaces.
	Address string
	// Port to listen on. Zero picks an ephemeral port.
	Port int
	// DHTRouters is a comma-separated list of "host:port" bootstrap nodes.
	DHTRouters string
	// CleanupPeriod is how often the node rotates the routing table's token
	// secret.
	CleanupPeriod time.Duration
	// MaxInfoHashes bounds how many distinct info-hashes the peer store
	// tracks contacts for.
	MaxInfoHashes int
	// MaxInfoHashPeers bounds how many peer contacts are kept per
	// info-hash.
	MaxInfoHashPeers int
	// ClientPerMinuteLimit caps inbound queries processed per source IP per
	// minute. Zero or negative disables the limit.
	ClientPerMinuteLimit int
	// ThrottlerTrackedClients bounds how many distinct source IPs the
	// throttle remembers at once.
	ThrottlerTrackedClients int
}

// NewConfig returns a Config populated with the teacher's defaults, scaled
// to this node's scope.
func NewConfig() *Config {
	return &Config{
		Address:                 "",
		Port:                    0,
		DHTRouters:              "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881",
		CleanupPeriod:           10 * time.Minute,
		MaxInfoHashes:           2048,
		MaxInfoHashPeers:        256,
		ClientPerMinuteLimit:    50,
		ThrottlerTrackedClients: 1000,
	}
}

// DefaultConfig is used by New when no Config is supplied.
var DefaultConfig = NewConfig()

// RegisterFlags binds c's fields to command-line flags on fs. If c is nil,
// DefaultConfig is used.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	fs.StringVar(&c.Address, "addr", c.Address, "address to bind the DHT's UDP socket to")
	fs.IntVar(&c.Port, "port", c.Port, "UDP port to listen on, 0 picks an ephemeral port")
	fs.StringVar(&c.DHTRouters, "routers", c.DHTRouters, "comma separated bootstrap router addresses")
	fs.DurationVar(&c.CleanupPeriod, "cleanup-period", c.CleanupPeriod, "how often to rotate the token secret")
	fs.IntVar(&c.ClientPerMinuteLimit, "rate-limit", c.ClientPerMinuteLimit, "maximum queries processed per source IP per minute, 0 disables the limit")
}
