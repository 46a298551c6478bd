package mailspool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"sync"
	"testing"
	"time"

	"github.com/mhale/smtpd"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/mkameya/mailspool/smtpclient"
	"github.com/mkameya/mailspool/types"
)

type recordingTransport struct {
	mu       sync.Mutex
	attempts []types.SendRequest
	froms    []string
	failFor  map[string]error
	gate     chan struct{}
	started  chan struct{}
	closed   bool
}

func (tr *recordingTransport) SendMail(ctx context.Context, from string, req types.SendRequest) error {
	if tr.started != nil {
		tr.started <- struct{}{}
	}
	if tr.gate != nil {
		<-tr.gate
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.attempts = append(tr.attempts, req)
	tr.froms = append(tr.froms, from)
	if tr.failFor != nil {
		if err := tr.failFor[req.Subject()]; err != nil {
			return err
		}
	}
	return nil
}

func (tr *recordingTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closed = true
	return nil
}

func (tr *recordingTransport) snapshot() []types.SendRequest {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]types.SendRequest(nil), tr.attempts...)
}

func (tr *recordingTransport) isClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

func newTestSender(t *testing.T, tr *recordingTransport, options ...OptionFunc) *AsyncEmailSender {
	options = append([]OptionFunc{WithTransport(tr)}, options...)
	s, err := New("smtp.example.com", 587, "user@example.com", "secret", options...)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return s
}

func TestNewValidation(t *testing.T) {
	_, err := New("", 587, "u", "p")
	assert.Error(t, err)
	_, err = New("smtp.example.com", 0, "u", "p")
	assert.Error(t, err)
	_, err = New("smtp.example.com", 587, "", "p")
	assert.Error(t, err)
	_, err = New("smtp.example.com", 587, "u", "")
	assert.Error(t, err)
}

func TestSendThenStopDeliversOnce(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)
	assert.Equal(t, types.StateRunning, s.State())

	err := s.Send(ctx, []string{"a@x.com"}, "Hi", "<p>hi</p>")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	assert.Equal(t, types.StateStopped, s.State())
	assert.True(t, tr.isClosed())
	attempts := tr.snapshot()
	if assert.Len(t, attempts, 1) {
		assert.Equal(t, []string{"a@x.com"}, attempts[0].Recipients())
		assert.Equal(t, "Hi", attempts[0].Subject())
		assert.Equal(t, "user@example.com", tr.froms[0])
	}
}

func TestRecipientListIsOneAttempt(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	err := s.Send(ctx, []string{"a@x.com", "b@x.com"}, "S", "B")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	attempts := tr.snapshot()
	if assert.Len(t, attempts, 1) {
		assert.Equal(t, []string{"a@x.com", "b@x.com"}, attempts[0].Recipients())
	}
}

func TestDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	const n = 20
	for i := 0; i < n; i++ {
		err := s.Send(ctx, []string{"a@x.com"}, fmt.Sprintf("m%02d", i), "B")
		if !assert.NoError(t, err) {
			t.FailNow()
		}
	}
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	attempts := tr.snapshot()
	if assert.Len(t, attempts, n) {
		for i, req := range attempts {
			assert.Equal(t, fmt.Sprintf("m%02d", i), req.Subject())
		}
	}
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	const producers = 4
	const perProducer = 10
	var eg errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		eg.Go(func() error {
			for i := 0; i < perProducer; i++ {
				if err := s.Send(ctx, []string{"a@x.com"}, fmt.Sprintf("p%d-%02d", p, i), "B"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if !assert.NoError(t, eg.Wait()) {
		t.FailNow()
	}
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	attempts := tr.snapshot()
	assert.Len(t, attempts, producers*perProducer)
	last := map[byte]string{}
	for _, req := range attempts {
		subject := req.Subject()
		producer := subject[1]
		assert.Less(t, last[producer], subject)
		last[producer] = subject
	}
}

func TestStopWithoutSends(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	assert.Equal(t, types.StateStopped, s.State())
	assert.Empty(t, tr.snapshot())
	assert.True(t, tr.isClosed())
}

func TestSendAfterStop(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	err := s.Send(ctx, []string{"a@x.com"}, "S", "B")
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, tr.snapshot())
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	assert.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Stop(ctx))
}

func TestSendValidationIsSynchronous(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	s := newTestSender(t, tr)

	err := s.Send(ctx, nil, "S", "B")
	assert.ErrorIs(t, err, types.ErrNoRecipients)
	err = s.Send(ctx, []string{"not-an-address"}, "S", "B")
	assert.Error(t, err)

	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	assert.Empty(t, tr.snapshot())
}

func TestDeliveryFailureDoesNotStopWorker(t *testing.T) {
	ctx := context.Background()
	deliveryErr := errors.New("boom")
	tr := &recordingTransport{failFor: map[string]error{"fail": deliveryErr}}
	var mu sync.Mutex
	var failed []string
	s := newTestSender(t, tr, WithSendFailureHandler(func(req types.SendRequest, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, req.Subject())
		assert.ErrorIs(t, err, deliveryErr)
	}))

	assert.NoError(t, s.Send(ctx, []string{"a@x.com"}, "fail", "B"))
	assert.NoError(t, s.Send(ctx, []string{"a@x.com"}, "ok", "B"))
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	attempts := tr.snapshot()
	if assert.Len(t, attempts, 2) {
		assert.Equal(t, "fail", attempts[0].Subject())
		assert.Equal(t, "ok", attempts[1].Subject())
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fail"}, failed)
}

func TestSendBackpressure(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 16),
	}
	s := newTestSender(t, tr, WithQueueSize(1))

	// First request is picked up by the worker and blocks in the
	// transport; the second fills the queue.
	assert.NoError(t, s.Send(ctx, []string{"a@x.com"}, "first", "B"))
	<-tr.started
	assert.NoError(t, s.Send(ctx, []string{"a@x.com"}, "second", "B"))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.Send(shortCtx, []string{"a@x.com"}, "third", "B")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(tr.gate)
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}
	attempts := tr.snapshot()
	if assert.Len(t, attempts, 2) {
		assert.Equal(t, "first", attempts[0].Subject())
		assert.Equal(t, "second", attempts[1].Subject())
	}
}

type stubResolver struct {
	addr *net.TCPAddr
}

func (r *stubResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return nil, nil
}

func (r *stubResolver) LookupIPAddr(ctx context.Context, name string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: r.addr.IP, Zone: r.addr.Zone}}, nil
}

func (r *stubResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return nil, nil
}

func (r *stubResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return nil, nil
}

func TestSenderEndToEnd(t *testing.T) {
	ctx := context.Background()

	type received struct {
		from string
		to   []string
		data []byte
	}
	var mu sync.Mutex
	var mails []received
	ln, err := net.Listen("tcp", "localhost:0")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer ln.Close()
	srv := &smtpd.Server{
		Appname:  "mailspool-test",
		Hostname: "mx.example.com",
		Handler: func(origin net.Addr, from string, to []string, data []byte) error {
			mu.Lock()
			defer mu.Unlock()
			mails = append(mails, received{from: from, to: to, data: data})
			return nil
		},
	}
	go srv.Serve(ln)

	addr := ln.Addr().(*net.TCPAddr)
	transport, err := smtpclient.NewClient(
		"mail.example.com",
		addr.Port,
		"user@example.com",
		"secret",
		smtpclient.WithResolver(&stubResolver{addr: addr}),
	)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	s, err := New("mail.example.com", addr.Port, "user@example.com", "secret", WithTransport(transport))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	if !assert.NoError(t, s.Send(ctx, []string{"a@x.com"}, "Hi", "<p>hi</p>")) {
		t.FailNow()
	}
	if !assert.NoError(t, s.Stop(ctx)) {
		t.FailNow()
	}

	mu.Lock()
	defer mu.Unlock()
	if assert.Len(t, mails, 1) {
		assert.Equal(t, "user@example.com", mails[0].from)
		assert.Equal(t, []string{"a@x.com"}, mails[0].to)
		m, err := mail.ReadMessage(bytes.NewReader(mails[0].data))
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		assert.Equal(t, "Hi", m.Header.Get("Subject"))
		body, err := io.ReadAll(quotedprintable.NewReader(m.Body))
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		assert.Contains(t, string(body), "<p>hi</p>")
	}
}
