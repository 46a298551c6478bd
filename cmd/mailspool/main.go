package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	yaml "gopkg.in/yaml.v3"

	"github.com/mkameya/mailspool"
	"github.com/mkameya/mailspool/smtpclient"
)

// Profile is an optional YAML file carrying SMTP settings, so credentials
// do not have to live in flags or the environment. Flags win over the
// profile.
type Profile struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type CLI struct {
	Host                  string        `name:"host" help:"SMTP server host." env:"MAILSPOOL_HOST" optional:""`
	Port                  int           `name:"port" help:"SMTP server port." env:"MAILSPOOL_PORT" default:"587"`
	Username              string        `name:"username" help:"SMTP username; also the default sender address." env:"MAILSPOOL_USERNAME" optional:""`
	Password              string        `name:"password" help:"SMTP password." env:"MAILSPOOL_PASSWORD" optional:""`
	From                  string        `name:"from" help:"Sender address, when different from the username." env:"MAILSPOOL_FROM" optional:""`
	Profile               string        `name:"profile" help:"Path to a YAML profile with SMTP settings." env:"MAILSPOOL_PROFILE" optional:""`
	Subject               string        `name:"subject" short:"s" help:"Message subject." default:""`
	BodyFile              string        `name:"body-file" help:"Read the HTML body from this file instead of stdin." optional:""`
	LocalName             string        `name:"local-name" help:"Name announced in HELO/EHLO." env:"MAILSPOOL_LOCAL_NAME" optional:""`
	DKIMDomain            string        `name:"dkim-domain" help:"DKIM signing domain." env:"MAILSPOOL_DKIM_DOMAIN" optional:""`
	DKIMSelector          string        `name:"dkim-selector" help:"DKIM selector." env:"MAILSPOOL_DKIM_SELECTOR" optional:""`
	DKIMKey               string        `name:"dkim-key" help:"Path to a PKCS#8 PEM private key for DKIM signing." env:"MAILSPOOL_DKIM_KEY" optional:""`
	LogLevel              slog.Level    `name:"log-level" help:"Log level." env:"MAILSPOOL_LOG_LEVEL" default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
	SMTPConnectionTimeout time.Duration `name:"smtp-connection-timeout" help:"Connection timeout for outbound SMTP connections." env:"MAILSPOOL_SMTP_CONNECTION_TIMEOUT" default:"60s"`
	To                    []string      `arg:"" name:"to" help:"Recipient addresses."`
}

func (CLI *CLI) initLogger(*kong.Context) *slog.Logger {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: CLI.LogLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: CLI.LogLevel})
	}
	return slog.New(handler)
}

func (CLI *CLI) applyProfile(kongCtx *kong.Context) {
	if CLI.Profile != "" {
		b, err := os.ReadFile(CLI.Profile)
		kongCtx.FatalIfErrorf(err)
		var profile Profile
		kongCtx.FatalIfErrorf(yaml.Unmarshal(b, &profile))
		if CLI.Host == "" {
			CLI.Host = profile.Host
		}
		if profile.Port != 0 && CLI.Port == 587 {
			CLI.Port = profile.Port
		}
		if CLI.Username == "" {
			CLI.Username = profile.Username
		}
		if CLI.Password == "" {
			CLI.Password = profile.Password
		}
		if CLI.From == "" {
			CLI.From = profile.From
		}
	}
	if CLI.Host == "" {
		kongCtx.FatalIfErrorf(fmt.Errorf("host is required (flag, environment, or profile)"))
	}
	if CLI.Username == "" {
		kongCtx.FatalIfErrorf(fmt.Errorf("username is required (flag, environment, or profile)"))
	}
	if CLI.Password == "" {
		kongCtx.FatalIfErrorf(fmt.Errorf("password is required (flag, environment, or profile)"))
	}
}

func (CLI *CLI) readBody(kongCtx *kong.Context) string {
	var b []byte
	var err error
	if CLI.BodyFile != "" {
		b, err = os.ReadFile(CLI.BodyFile)
	} else {
		b, err = io.ReadAll(os.Stdin)
	}
	kongCtx.FatalIfErrorf(err)
	return string(b)
}

func (CLI *CLI) initDKIMSignOptions(kongCtx *kong.Context) *dkim.SignOptions {
	if CLI.DKIMKey == "" {
		return nil
	}
	if CLI.DKIMDomain == "" || CLI.DKIMSelector == "" {
		kongCtx.FatalIfErrorf(fmt.Errorf("dkim-domain and dkim-selector are required with dkim-key"))
	}
	b, err := os.ReadFile(CLI.DKIMKey)
	kongCtx.FatalIfErrorf(err)
	block, _ := pem.Decode(b)
	if block == nil {
		kongCtx.FatalIfErrorf(fmt.Errorf("no PEM block found in %s", CLI.DKIMKey))
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	kongCtx.FatalIfErrorf(err)
	signer, ok := key.(crypto.Signer)
	if !ok {
		kongCtx.FatalIfErrorf(fmt.Errorf("key in %s cannot sign", CLI.DKIMKey))
	}
	return &dkim.SignOptions{
		Domain:   CLI.DKIMDomain,
		Selector: CLI.DKIMSelector,
		Signer:   signer,
		Hash:     crypto.SHA256,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type",
		},
	}
}

func (CLI *CLI) initSender(kongCtx *kong.Context, logger *slog.Logger) *mailspool.AsyncEmailSender {
	clientOptions := []smtpclient.ClientOptionFunc{
		smtpclient.WithConnTimeout(CLI.SMTPConnectionTimeout),
	}
	if CLI.LocalName != "" {
		clientOptions = append(clientOptions, smtpclient.WithLocalName(CLI.LocalName))
	}
	if signOptions := CLI.initDKIMSignOptions(kongCtx); signOptions != nil {
		clientOptions = append(clientOptions, smtpclient.WithDKIMSignOptions(signOptions))
	}
	options := []mailspool.OptionFunc{
		mailspool.WithLogger(logger),
		mailspool.WithSMTPClientOptions(clientOptions...),
	}
	if CLI.From != "" {
		options = append(options, mailspool.WithFrom(CLI.From))
	}
	sender, err := mailspool.New(CLI.Host, CLI.Port, CLI.Username, CLI.Password, options...)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return sender
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(&CLI)
	logger := CLI.initLogger(kongCtx)
	CLI.applyProfile(kongCtx)
	body := CLI.readBody(kongCtx)
	sender := CLI.initSender(kongCtx, logger)
	if err := sender.Send(ctx, CLI.To, CLI.Subject, body); err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	// Stop drains the queue, so the message gets its delivery attempt
	// before the process exits. A signal cancels the wait.
	if err := sender.Stop(ctx); err != nil {
		kongCtx.FatalIfErrorf(err)
	}
}
