package transport

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/config"
	"github.com/nerrad567/mqtt-transport/internal/infrastructure/mqtt"
)

// Mode selects which directions a transport handles.
type Mode string

const (
	ModePublish   Mode = "publish"
	ModeSubscribe Mode = "subscribe"
	ModeBoth      Mode = "both"
)

func (m Mode) publishes() bool  { return m == ModePublish || m == ModeBoth }
func (m Mode) subscribes() bool { return m == ModeSubscribe || m == ModeBoth }

// clientIDPrefix is used for generated client identifiers.
const clientIDPrefix = "mqtt-transport-"

// Will is the optional Last Will and Testament.
type Will struct {
	Topic   string
	Payload []byte
	QoS     int
	Retain  bool
}

// ConnectionParams are the raw, unvalidated connection parameters.
// Start from DefaultParams and override what the deployment needs.
type ConnectionParams struct {
	Host               string
	Port               int
	TLS                bool
	CAFile             string
	InsecureSkipVerify bool

	Username string
	Password string

	// ClientID may be empty only with CleanSession; one is generated then.
	ClientID      string
	CleanSession  bool
	KeepAlive     time.Duration
	AutoReconnect bool

	QoS    int
	Retain bool
	Topic  string
	Mode   Mode

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int

	// QueueCapacity bounds the offline buffer of the publish pipeline.
	QueueCapacity int
	// MaxPending bounds messages accepted by the session and not yet acknowledged.
	MaxPending int
	// MaxInflight bounds QoS>0 messages awaiting broker acknowledgement.
	MaxInflight int

	EnqueueTimeout time.Duration
	ShutdownGrace  time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	Will *Will

	DedupSize int
	DedupTTL  time.Duration

	PayloadFormat string
	Compression   string
}

// DefaultParams returns parameters with every tuning value set.
func DefaultParams() ConnectionParams {
	return ConnectionParams{
		Host:                  "localhost",
		Port:                  1883,
		CleanSession:          true,
		KeepAlive:             60 * time.Second,
		AutoReconnect:         true,
		QoS:                   1,
		Mode:                  ModePublish,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     time.Minute,
		MaxReconnectAttempts:  3,
		QueueCapacity:         1000,
		MaxPending:            1000,
		MaxInflight:           32,
		EnqueueTimeout:        2 * time.Second,
		ShutdownGrace:         5 * time.Second,
		ConnectTimeout:        10 * time.Second,
		PublishTimeout:        5 * time.Second,
		DedupSize:             1024,
		DedupTTL:              5 * time.Minute,
		PayloadFormat:         string(FormatRaw),
		Compression:           string(CompressionNone),
	}
}

// ParamsFromConfig maps the YAML mqtt section onto ConnectionParams.
func ParamsFromConfig(c config.MQTTConfig) ConnectionParams {
	p := ConnectionParams{
		Host:                  c.Broker.Host,
		Port:                  c.Broker.Port,
		TLS:                   c.Broker.TLS,
		CAFile:                c.Broker.CAFile,
		InsecureSkipVerify:    c.Broker.InsecureSkipVerify,
		Username:              c.Auth.Username,
		Password:              c.Auth.Password,
		ClientID:              c.Broker.ClientID,
		CleanSession:          c.Session.CleanSession,
		KeepAlive:             seconds(c.Session.KeepAlive),
		AutoReconnect:         c.Session.AutoReconnect,
		QoS:                   c.QoS,
		Retain:                c.Retain,
		Topic:                 c.Topic,
		Mode:                  Mode(c.Mode),
		ReconnectInitialDelay: seconds(c.Reconnect.InitialDelay),
		ReconnectMaxDelay:     seconds(c.Reconnect.MaxDelay),
		MaxReconnectAttempts:  c.Reconnect.MaxAttempts,
		QueueCapacity:         c.Queue.Capacity,
		MaxPending:            c.Queue.MaxPending,
		MaxInflight:           c.Queue.MaxInflight,
		EnqueueTimeout:        time.Duration(c.Queue.EnqueueTimeoutMS) * time.Millisecond,
		ShutdownGrace:         seconds(c.ShutdownGrace),
		ConnectTimeout:        seconds(c.Broker.ConnectTimeout),
		PublishTimeout:        seconds(c.Broker.PublishTimeout),
		DedupSize:             c.Dedup.Size,
		DedupTTL:              seconds(c.Dedup.TTL),
		PayloadFormat:         c.Payload.Format,
		Compression:           c.Payload.Compression,
	}
	if c.Will.Topic != "" {
		p.Will = &Will{
			Topic:   c.Will.Topic,
			Payload: []byte(c.Will.Payload),
			QoS:     c.Will.QoS,
			Retain:  c.Will.Retain,
		}
	}
	return p
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ConnectionConfig is a validated, immutable set of connection parameters.
type ConnectionConfig struct {
	host      string
	port      int
	useTLS    bool
	tlsConfig *tls.Config

	username string
	password string

	clientID      string
	cleanSession  bool
	keepAlive     time.Duration
	autoReconnect bool

	qos    byte
	retain bool
	topic  *TopicTemplate
	mode   Mode

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	maxAttempts      int

	queueCapacity int
	maxPending    int
	maxInflight   int

	enqueueTimeout time.Duration
	shutdownGrace  time.Duration
	connectTimeout time.Duration
	publishTimeout time.Duration

	will *mqtt.Will

	dedupSize int
	dedupTTL  time.Duration

	format      Format
	compression Compression
}

// NewConnectionConfig validates p and returns an immutable config.
//
// Every violation is collected; the returned *ConfigurationError lists
// them all and matches errors.Is(err, ErrInvalidConfig).
func NewConnectionConfig(p ConnectionParams) (*ConnectionConfig, error) {
	var v []string
	add := func(format string, args ...any) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.Host) == "" {
		add("host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		add("port %d out of range 1-65535", p.Port)
	}
	if p.QoS < 0 || p.QoS > 2 {
		add("qos %d must be 0, 1 or 2", p.QoS)
	}
	if (p.Username == "") != (p.Password == "") {
		add("username and password must both be set or both be empty")
	}
	if p.ClientID == "" && !p.CleanSession {
		add("client id is required when clean session is disabled")
	}
	if p.KeepAlive < 0 {
		add("keep-alive must not be negative")
	}

	mode := p.Mode
	if mode == "" {
		mode = ModePublish
	}
	if !mode.publishes() && !mode.subscribes() {
		add("mode %q must be publish, subscribe or both", p.Mode)
	}

	var topic *TopicTemplate
	if p.Topic == "" {
		add("topic is required")
	} else if t, err := ParseTopicTemplate(p.Topic); err != nil {
		add("%v", err)
	} else {
		topic = t
		if mode.publishes() && t.HasWildcards() {
			add("publish topic %q must not contain + or #", p.Topic)
		}
		if mode.subscribes() {
			if err := mqtt.ValidateFilter(t.Filter()); err != nil {
				add("subscription filter %q: %v", t.Filter(), err)
			}
		}
		if mode == ModePublish && !t.SubstitutionRequired() {
			if err := mqtt.ValidateTopic(t.Filter()); err != nil {
				add("topic %q: %v", p.Topic, err)
			}
		}
	}

	if p.ReconnectInitialDelay <= 0 {
		add("reconnect initial delay must be positive")
	}
	if p.ReconnectMaxDelay < p.ReconnectInitialDelay {
		add("reconnect max delay %v is below initial delay %v", p.ReconnectMaxDelay, p.ReconnectInitialDelay)
	}
	if p.MaxReconnectAttempts < 0 {
		add("max reconnect attempts must not be negative")
	}
	for _, c := range []struct {
		name string
		n    int
	}{
		{"queue capacity", p.QueueCapacity},
		{"max pending", p.MaxPending},
		{"max inflight", p.MaxInflight},
		{"dedup size", p.DedupSize},
	} {
		if c.n <= 0 {
			add("%s must be positive", c.name)
		}
	}
	if p.EnqueueTimeout < 0 {
		add("enqueue timeout must not be negative")
	}
	if p.ShutdownGrace < 0 {
		add("shutdown grace must not be negative")
	}
	if p.ConnectTimeout <= 0 {
		add("connect timeout must be positive")
	}
	if p.PublishTimeout <= 0 {
		add("publish timeout must be positive")
	}
	if p.DedupTTL <= 0 {
		add("dedup ttl must be positive")
	}

	var will *mqtt.Will
	if p.Will != nil {
		if err := mqtt.ValidateTopic(p.Will.Topic); err != nil {
			add("will topic %q: %v", p.Will.Topic, err)
		}
		if p.Will.QoS < 0 || p.Will.QoS > 2 {
			add("will qos %d must be 0, 1 or 2", p.Will.QoS)
		}
		will = &mqtt.Will{
			Topic:   p.Will.Topic,
			Payload: append([]byte(nil), p.Will.Payload...),
			QoS:     byte(p.Will.QoS),
			Retain:  p.Will.Retain,
		}
	}

	format, compression := FormatRaw, CompressionNone
	if p.PayloadFormat != "" {
		format = Format(p.PayloadFormat)
	}
	if p.Compression != "" {
		compression = Compression(p.Compression)
	}
	if !format.valid() {
		add("payload format %q must be raw or json", p.PayloadFormat)
	}
	if !compression.valid() {
		add("payload compression %q must be none, gzip or zstd", p.Compression)
	}

	var tlsConfig *tls.Config
	if p.TLS {
		c, err := mqtt.TLSConfig(p.CAFile, p.InsecureSkipVerify)
		if err != nil {
			add("tls: %v", err)
		}
		tlsConfig = c
	}

	if len(v) > 0 {
		return nil, &ConfigurationError{Violations: v}
	}

	clientID := p.ClientID
	if clientID == "" {
		clientID = clientIDPrefix + uuid.NewString()[:8]
	}

	return &ConnectionConfig{
		host:             p.Host,
		port:             p.Port,
		useTLS:           p.TLS,
		tlsConfig:        tlsConfig,
		username:         p.Username,
		password:         p.Password,
		clientID:         clientID,
		cleanSession:     p.CleanSession,
		keepAlive:        p.KeepAlive,
		autoReconnect:    p.AutoReconnect,
		qos:              byte(p.QoS),
		retain:           p.Retain,
		topic:            topic,
		mode:             mode,
		reconnectInitial: p.ReconnectInitialDelay,
		reconnectMax:     p.ReconnectMaxDelay,
		maxAttempts:      p.MaxReconnectAttempts,
		queueCapacity:    p.QueueCapacity,
		maxPending:       p.MaxPending,
		maxInflight:      p.MaxInflight,
		enqueueTimeout:   p.EnqueueTimeout,
		shutdownGrace:    p.ShutdownGrace,
		connectTimeout:   p.ConnectTimeout,
		publishTimeout:   p.PublishTimeout,
		will:             will,
		dedupSize:        p.DedupSize,
		dedupTTL:         p.DedupTTL,
		format:           format,
		compression:      compression,
	}, nil
}

// URL returns ssl://host:port when TLS is enabled, tcp://host:port otherwise.
func (c *ConnectionConfig) URL() string {
	return mqtt.BrokerURL(c.host, c.port, c.useTLS)
}

// UseCredentials reports whether a username and password are configured.
func (c *ConnectionConfig) UseCredentials() bool {
	return c.username != "" && c.password != ""
}

// SubstitutionRequired reports whether the topic has placeholders.
func (c *ConnectionConfig) SubstitutionRequired() bool {
	return c.topic.SubstitutionRequired()
}

func (c *ConnectionConfig) Host() string                         { return c.host }
func (c *ConnectionConfig) Port() int                            { return c.port }
func (c *ConnectionConfig) TLS() bool                            { return c.useTLS }
func (c *ConnectionConfig) Username() string                     { return c.username }
func (c *ConnectionConfig) ClientID() string                     { return c.clientID }
func (c *ConnectionConfig) CleanSession() bool                   { return c.cleanSession }
func (c *ConnectionConfig) KeepAlive() time.Duration             { return c.keepAlive }
func (c *ConnectionConfig) AutoReconnect() bool                  { return c.autoReconnect }
func (c *ConnectionConfig) QoS() byte                            { return c.qos }
func (c *ConnectionConfig) Retain() bool                         { return c.retain }
func (c *ConnectionConfig) Topic() *TopicTemplate                { return c.topic }
func (c *ConnectionConfig) Mode() Mode                           { return c.mode }
func (c *ConnectionConfig) ReconnectInitialDelay() time.Duration { return c.reconnectInitial }
func (c *ConnectionConfig) ReconnectMaxDelay() time.Duration     { return c.reconnectMax }
func (c *ConnectionConfig) MaxReconnectAttempts() int            { return c.maxAttempts }
func (c *ConnectionConfig) QueueCapacity() int                   { return c.queueCapacity }
func (c *ConnectionConfig) MaxPending() int                      { return c.maxPending }
func (c *ConnectionConfig) MaxInflight() int                     { return c.maxInflight }
func (c *ConnectionConfig) EnqueueTimeout() time.Duration        { return c.enqueueTimeout }
func (c *ConnectionConfig) ShutdownGrace() time.Duration         { return c.shutdownGrace }
func (c *ConnectionConfig) ConnectTimeout() time.Duration        { return c.connectTimeout }
func (c *ConnectionConfig) PublishTimeout() time.Duration        { return c.publishTimeout }
func (c *ConnectionConfig) DedupSize() int                       { return c.dedupSize }
func (c *ConnectionConfig) DedupTTL() time.Duration              { return c.dedupTTL }
func (c *ConnectionConfig) PayloadFormat() Format                { return c.format }
func (c *ConnectionConfig) Compression() Compression             { return c.compression }

// dialOptions builds the broker adaptor options for one attempt.
func (c *ConnectionConfig) dialOptions() mqtt.Options {
	o := mqtt.Options{
		URL:              c.URL(),
		ClientID:         c.clientID,
		CleanSession:     c.cleanSession,
		KeepAlive:        c.keepAlive,
		ConnectTimeout:   c.connectTimeout,
		SubscribeTimeout: c.connectTimeout,
	}
	if c.UseCredentials() {
		o.Username = c.username
		o.Password = c.password
	}
	if c.tlsConfig != nil {
		o.TLS = c.tlsConfig.Clone()
	}
	if c.will != nil {
		w := *c.will
		o.Will = &w
	}
	return o
}

// String describes the config with the password redacted.
func (c *ConnectionConfig) String() string {
	password := ""
	if c.password != "" {
		password = "***"
	}
	return fmt.Sprintf(
		"ConnectionConfig{host=%s, port=%d, tls=%t, topic=%s, qos=%d, retain=%t, username=%s, password=%s, clientId=%s, cleanSession=%t, keepAlive=%v, autoReconnect=%t, mode=%s}",
		c.host, c.port, c.useTLS, c.topic, c.qos, c.retain, c.username, password,
		c.clientID, c.cleanSession, c.keepAlive, c.autoReconnect, c.mode,
	)
}
