package mqtt

import (
	"io/ioutil"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/ebogdum/arduino-mqtt/engine"
	"github.com/ebogdum/arduino-mqtt/log2"
	"github.com/ebogdum/arduino-mqtt/transport"
)

// Config is the HCL client configuration.
type Config struct {
	Host         string `hcl:"host"`
	Port         int    `hcl:"port"`
	ClientID     string `hcl:"client_id"`
	Username     string `hcl:"username"`
	Password     string `hcl:"password"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	// persist_session inverts the protocol's clean-session flag so the
	// zero value keeps the clean-session default.
	PersistSession bool `hcl:"persist_session"`
	TimeoutMS      int  `hcl:"timeout_ms"`
	BufferSize     int  `hcl:"buffer_size"`
	DropOverflow   bool `hcl:"drop_overflow"`
	LogDebug       bool `hcl:"log_debug"`

	Will struct {
		Topic    string `hcl:"topic"`
		Payload  string `hcl:"payload"`
		Retained bool   `hcl:"retained"`
		QOS      int    `hcl:"qos"`
	} `hcl:"will"`
}

func (c *Config) Defaults() {
	c.Port = defaultInt(c.Port, DefaultPort)
	c.KeepaliveSec = defaultInt(c.KeepaliveSec, DefaultKeepAliveSec)
	c.TimeoutMS = defaultInt(c.TimeoutMS, DefaultTimeoutMS)
	c.BufferSize = defaultInt(c.BufferSize, DefaultBufferSize)
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Host == "" {
		errs = append(errs, errors.NotValidf("config mqtt host empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, errors.NotValidf("config mqtt port=%d", c.Port))
	}
	if c.KeepaliveSec < 0 || c.KeepaliveSec > 65535 {
		errs = append(errs, errors.NotValidf("config mqtt keepalive_sec=%d", c.KeepaliveSec))
	}
	if c.Will.QOS > int(engine.QOSAtLeastOnce) {
		errs = append(errs, errors.NotSupportedf("config mqtt will qos=%d", c.Will.QOS))
	}
	return foldErrors(errs)
}

func ReadConfig(b []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotatef(err, "config mqtt unmarshal")
	}
	c.Defaults()
	return c, c.Validate()
}

func ReadConfigFile(log *log2.Log, path string) (*Config, error) {
	log.Debugf("config reading path=%s", path)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config mqtt path=%s", path)
	}
	return ReadConfig(b)
}

func MustReadConfigFile(log *log2.Log, path string) *Config {
	c, err := ReadConfigFile(log, path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// NewFromConfig builds a configured client over conn.
func NewFromConfig(cfg *Config, conn transport.Conn, log *log2.Log) *Client {
	c := New(Options{
		ReadBufferSize:  cfg.BufferSize,
		WriteBufferSize: cfg.BufferSize,
		Conn:            conn,
		Log:             log,
	})
	c.SetHostPort(cfg.Host, cfg.Port)
	c.SetOptions(uint16(cfg.KeepaliveSec), !cfg.PersistSession, uint32(cfg.TimeoutMS))
	if cfg.Will.Topic != "" {
		c.SetWill(cfg.Will.Topic, []byte(cfg.Will.Payload), cfg.Will.Retained, engine.QOS(cfg.Will.QOS))
	}
	c.DropOverflow(cfg.DropOverflow)
	return c
}
