package server

// HttpConfig configures the daemon's http listener.
type HttpConfig struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `conf:"host"`

	// Port is the port to listen on.
	Port int `conf:"port"`

	// H2c enables cleartext http/2 upgrades.
	H2c bool `conf:"h2c"`
}
