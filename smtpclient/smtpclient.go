package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/mkameya/mailspool/internal/logging"
	"github.com/mkameya/mailspool/internal/message"
	"github.com/mkameya/mailspool/types"
)

const portSMTPImplicitTLS = 465

// Client submits messages to a single fixed SMTP host. The connection is
// held open across sends; before each send it is probed with NOOP and
// re-established when stale. Any failure during a transaction drops the
// connection so the next send starts fresh.
//
// Client is driven by a single delivery worker and is not safe for
// concurrent use.
type Client struct {
	resolver        spf.DNSResolver
	connTimeout     time.Duration
	logger          *slog.Logger
	host            string
	port            int
	username        string
	password        string
	localName       string
	implicitTLS     bool
	tlsConfig       *tls.Config
	dkimSignOptions *dkim.SignOptions
	builder         *message.Builder

	conn *smtp.Client
}

type ClientOptionFunc func(*Client) (*Client, error)

func WithTLSConfig(config *tls.Config) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		c.tlsConfig = config
		return c, nil
	}
}

func WithResolver(resolver spf.DNSResolver) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		c.resolver = resolver
		return c, nil
	}
}

func WithLogger(logger *slog.Logger) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		if logger == nil {
			logger = slog.New(logging.BlackholeHandler{})
		}
		c.logger = logger
		return c, nil
	}
}

func WithConnTimeout(timeout time.Duration) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		c.connTimeout = timeout
		return c, nil
	}
}

// WithLocalName sets the name announced in HELO/EHLO.
func WithLocalName(name string) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		c.localName = name
		return c, nil
	}
}

// WithImplicitTLS forces a TLS handshake right after connecting, as on
// port 465. Without it, implicit TLS is inferred from the port.
func WithImplicitTLS(enabled bool) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		c.implicitTLS = enabled
		return c, nil
	}
}

// WithDKIMSignOptions enables DKIM signing of outgoing messages.
func WithDKIMSignOptions(options *dkim.SignOptions) ClientOptionFunc {
	return func(c *Client) (*Client, error) {
		c.dkimSignOptions = options
		return c, nil
	}
}

func NewClient(host string, port int, username, password string, options ...ClientOptionFunc) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	c := &Client{
		resolver:    &net.Resolver{},
		connTimeout: 30 * time.Second,
		logger:      slog.New(logging.BlackholeHandler{}),
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		tlsConfig:   new(tls.Config),
	}
	for _, option := range options {
		var err error
		c, err = option(c)
		if err != nil {
			return nil, err
		}
	}
	builderHost := c.localName
	if builderHost == "" {
		builderHost = c.host
	}
	var builderOptions []message.BuilderOptionFunc
	if c.dkimSignOptions != nil {
		builderOptions = append(builderOptions, message.WithDKIMSignOptions(c.dkimSignOptions))
	}
	var err error
	c.builder, err = message.NewBuilder(builderHost, builderOptions...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) lookupIPAddr(ctx context.Context) ([]net.IPAddr, error) {
	if ip := net.ParseIP(c.host); ip != nil {
		return []net.IPAddr{{IP: ip}}, nil
	}
	return c.resolver.LookupIPAddr(ctx, c.host)
}

// connect returns a live SMTP client, reusing the held connection when the
// NOOP probe succeeds.
func (c *Client) connect(ctx context.Context) (*smtp.Client, error) {
	if c.conn != nil {
		if err := c.conn.Noop(); err == nil {
			return c.conn, nil
		}
		c.conn.Close()
		c.conn = nil
		c.logger.DebugContext(ctx, "dropped stale connection")
	}

	addrs, err := c.lookupIPAddr(ctx)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	for _, addr := range addrs {
		hostPort := net.JoinHostPort(addr.String(), strconv.Itoa(c.port))
		c.logger.Debug("connecting to host", slog.String("address", hostPort))
		conn, err = (&net.Dialer{
			Timeout: c.connTimeout,
		}).DialContext(ctx, "tcp", hostPort)
		if err == nil {
			break
		}
		c.logger.WarnContext(ctx, "failed to connect", slog.String("address", hostPort), slog.Any("error", err))
	}
	if conn == nil {
		return nil, fmt.Errorf("no addresses reachable for %s", c.host)
	}

	implicitTLS := c.implicitTLS || c.port == portSMTPImplicitTLS
	if implicitTLS {
		tlsConfig := c.tlsConfig.Clone()
		tlsConfig.ServerName = c.host
		conn = tls.Client(conn, tlsConfig)
	}

	cl, err := smtp.NewClient(conn, c.host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if c.localName != "" {
		if err := cl.Hello(c.localName); err != nil {
			cl.Close()
			return nil, err
		}
	}
	if !implicitTLS {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			c.logger.Debug("starttls")
			tlsConfig := c.tlsConfig.Clone()
			tlsConfig.ServerName = c.host
			if err := cl.StartTLS(tlsConfig); err != nil {
				cl.Close()
				return nil, err
			}
		}
	}
	if c.username != "" && c.password != "" {
		if ok, _ := cl.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", c.username, c.password, c.host)
			if err := cl.Auth(auth); err != nil {
				cl.Close()
				return nil, fmt.Errorf("failed to authenticate: %w", err)
			}
		}
	}
	c.logger.DebugContext(ctx, "connected and logged in")
	c.conn = cl
	return cl, nil
}

// SendMail performs one delivery attempt for req, addressed to every
// recipient in a single transaction.
func (c *Client) SendMail(ctx context.Context, from string, req types.SendRequest) error {
	logger := c.logger.With(slog.String("from", from), slog.Any("recipients", req.Recipients()))

	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	data, err := c.builder.Build(from, req)
	if err != nil {
		return err
	}
	if err := c.transact(cl, from, req.Recipients(), data); err != nil {
		cl.Close()
		c.conn = nil
		return err
	}
	logger.DebugContext(ctx, "message accepted", slog.String("subject", req.Subject()))
	return nil
}

func (c *Client) transact(cl *smtp.Client, from string, recipients []string, data []byte) error {
	if err := cl.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := cl.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close QUITs the held connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	return err
}
