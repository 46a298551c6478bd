// Package mailspool provides an asynchronous email sender: callers enqueue
// outgoing messages and a single background worker drains the queue,
// delivering each one over SMTP. Sending is fire-and-forget; delivery
// failures are logged and optionally reported through a failure handler,
// never to the caller of Send.
package mailspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mkameya/mailspool/internal/logging"
	"github.com/mkameya/mailspool/smtpclient"
	"github.com/mkameya/mailspool/types"
)

// ErrStopped is returned by Send once Stop has been requested.
var ErrStopped = errors.New("sender is stopped")

const defaultQueueSize = 256

// AsyncEmailSender owns a bounded FIFO queue of send requests and the
// worker goroutine that delivers them. Each instance is independent and
// single-use: once stopped it cannot be restarted.
type AsyncEmailSender struct {
	from        string
	logger      *slog.Logger
	transport   types.Transport
	queueSize   int
	smtpOptions []smtpclient.ClientOptionFunc
	onFailure   func(types.SendRequest, error)

	queue    chan types.SendRequest
	state    atomic.Int32
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	eg       errgroup.Group
}

type OptionFunc func(s *AsyncEmailSender) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *AsyncEmailSender) error {
		if logger == nil {
			logger = slog.New(logging.BlackholeHandler{})
		}
		s.logger = logger
		return nil
	}
}

// WithQueueSize sets the queue capacity. A full queue makes Send block
// until the worker catches up or the context is canceled.
func WithQueueSize(n int) OptionFunc {
	return func(s *AsyncEmailSender) error {
		if n < 1 {
			return fmt.Errorf("queue size must be positive, got %d", n)
		}
		s.queueSize = n
		return nil
	}
}

// WithFrom sets the envelope and header sender address. It defaults to the
// username passed to New.
func WithFrom(from string) OptionFunc {
	return func(s *AsyncEmailSender) error {
		s.from = from
		return nil
	}
}

// WithTransport replaces the default SMTP transport.
func WithTransport(transport types.Transport) OptionFunc {
	return func(s *AsyncEmailSender) error {
		s.transport = transport
		return nil
	}
}

// WithSMTPClientOptions passes options through to the default SMTP
// transport. Ignored when WithTransport is used.
func WithSMTPClientOptions(options ...smtpclient.ClientOptionFunc) OptionFunc {
	return func(s *AsyncEmailSender) error {
		s.smtpOptions = append(s.smtpOptions, options...)
		return nil
	}
}

// WithSendFailureHandler registers a hook invoked from the worker for every
// failed delivery attempt. The failed request is not re-enqueued.
func WithSendFailureHandler(handler func(types.SendRequest, error)) OptionFunc {
	return func(s *AsyncEmailSender) error {
		s.onFailure = handler
		return nil
	}
}

// New validates the configuration and starts the delivery worker. No
// connection is made here; the transport connects lazily on first delivery.
func New(host string, port int, username, password string, options ...OptionFunc) (*AsyncEmailSender, error) {
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}
	s := &AsyncEmailSender{
		from:      username,
		logger:    slog.New(logging.BlackholeHandler{}),
		queueSize: defaultQueueSize,
		stopChan:  make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	if s.transport == nil {
		clientOptions := append([]smtpclient.ClientOptionFunc{smtpclient.WithLogger(s.logger)}, s.smtpOptions...)
		transport, err := smtpclient.NewClient(host, port, username, password, clientOptions...)
		if err != nil {
			return nil, err
		}
		s.transport = transport
	}
	s.queue = make(chan types.SendRequest, s.queueSize)
	s.state.Store(int32(types.StateRunning))
	s.eg.Go(s.worker)
	return s, nil
}

// Send validates the request and enqueues it, returning once it has been
// accepted. It performs no network I/O and reports no delivery outcome. It
// blocks only while the queue is full; ctx cancels the wait. After Stop has
// been requested, Send fails with ErrStopped.
//
// The recipient list addresses one message: a single delivery attempt is
// made for all recipients together.
func (s *AsyncEmailSender) Send(ctx context.Context, recipients []string, subject, body string) error {
	req, err := types.NewSendRequest(recipients, subject, body)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.State() != types.StateRunning {
		return ErrStopped
	}
	select {
	case s.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests shutdown and waits until the worker has drained every
// queued request and exited. Every request accepted by Send before Stop
// gets its delivery attempt before Stop returns. Stop is idempotent;
// concurrent and repeated calls wait for the same termination. ctx bounds
// the wait only, it does not abort an in-flight delivery.
func (s *AsyncEmailSender) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(types.StateStopRequested))
		s.mu.Unlock()
		close(s.stopChan)
	})
	waitChan := make(chan error, 1)
	go func() {
		waitChan <- s.eg.Wait()
	}()
	select {
	case err := <-waitChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the worker lifecycle state.
func (s *AsyncEmailSender) State() types.State {
	return types.State(s.state.Load())
}

func (s *AsyncEmailSender) worker() error {
	defer s.state.Store(int32(types.StateStopped))
	defer func() {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("failed to close transport", slog.Any("error", err))
		}
	}()
	for {
		select {
		case req := <-s.queue:
			s.deliver(req)
		case <-s.stopChan:
			// Drain whatever Send managed to enqueue before the stop
			// request, then exit.
			for {
				select {
				case req := <-s.queue:
					s.deliver(req)
				default:
					return nil
				}
			}
		}
	}
}

// deliver makes exactly one attempt. Failures do not propagate: the request
// was accepted fire-and-forget, so they are logged and handed to the
// failure hook instead.
func (s *AsyncEmailSender) deliver(req types.SendRequest) {
	logger := s.logger.With(slog.Any("recipients", req.Recipients()), slog.String("subject", req.Subject()))
	if err := s.transport.SendMail(context.Background(), s.from, req); err != nil {
		logger.Error("failed to deliver message", slog.Any("error", err))
		if s.onFailure != nil {
			s.onFailure(req, err)
		}
		return
	}
	logger.Info("message delivered")
}
