/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// SIPConfig configures a SIPWire.
type SIPConfig struct {
	// URL is the WebSocket endpoint, ws://host:port or wss://host:port.
	URL string
	// Domain is the host part of the agent's address of record.
	Domain   string
	Username string
	Password string
	// AuthUsername overrides Username for digest auth when set.
	AuthUsername string
	DisplayName  string
	UserAgent    string
	// ConnectionCheckInterval is how often the bound socket is checked for
	// loss. Defaults to one second.
	ConnectionCheckInterval time.Duration
	Logger                  *slog.Logger
}

// SIPWire is a Wire speaking SIP over WebSocket (RFC 7118) with sipgo.
type SIPWire struct {
	config    *SIPConfig
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	transport string
	dest      string
	aor       sip.Uri
	contact   sip.Uri
	regCallID string
	logger    *slog.Logger

	mu       sync.Mutex
	dialogs  map[string]*sipDialog
	incoming chan InboundDialog
	closed   core.Fuse

	// conn is the socket the last response arrived on, keyed by connAddr
	// in sipgo's connection pool.
	conn     sip.Connection
	connAddr string
	watching bool
	lost     chan error
}

// NewSIPWire builds the user agent, client and request handlers. No
// network traffic happens until Open.
func NewSIPWire(config *SIPConfig) (*SIPWire, error) {
	if config == nil {
		return nil, errors.New("signaling: sip config is required")
	}
	if config.Domain == "" || config.Username == "" {
		return nil, errors.New("signaling: domain and username are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sip")

	transport, dest, err := parseWSEndpoint(config.URL)
	if err != nil {
		return nil, err
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "agentphone"
	}

	// Browser-style clients cannot be reached directly, so the contact
	// host is a random .invalid name and requests ride the open socket.
	contactHost := strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".invalid"

	w := &SIPWire{
		config:    config,
		transport: transport,
		dest:      dest,
		regCallID: uuid.NewString(),
		dialogs:   make(map[string]*sipDialog),
		incoming:  make(chan InboundDialog, 8),
		lost:      make(chan error, 1),
		logger:    logger,
	}
	if config.ConnectionCheckInterval <= 0 {
		config.ConnectionCheckInterval = time.Second
	}

	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", config.Username, config.Domain), &w.aor); err != nil {
		return nil, fmt.Errorf("parsing aor: %w", err)
	}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s;transport=%s", config.Username, contactHost, strings.ToLower(transport)), &w.contact); err != nil {
		return nil, fmt.Errorf("parsing contact: %w", err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(userAgent),
		sipgo.WithUserAgentHostname(contactHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		client.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	w.ua = ua
	w.client = client
	w.server = srv

	srv.OnInvite(w.handleInvite)
	srv.OnAck(w.handleAck)
	srv.OnBye(w.handleBye)
	srv.OnCancel(w.handleCancel)
	srv.OnOptions(w.handleOptions)

	return w, nil
}

// parseWSEndpoint maps ws:// and wss:// URLs to a sipgo transport name and
// a host:port destination.
func parseWSEndpoint(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("signaling: parsing url: %w", err)
	}

	var transport, port string
	switch strings.ToLower(u.Scheme) {
	case "ws":
		transport, port = "WS", "80"
	case "wss":
		transport, port = "WSS", "443"
	default:
		return "", "", fmt.Errorf("signaling: unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", errors.New("signaling: url has no host")
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return transport, net.JoinHostPort(u.Hostname(), port), nil
}

func (w *SIPWire) newRequest(method sip.RequestMethod, recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.SetTransport(w.transport)
	req.SetDestination(w.dest)
	return req
}

func (w *SIPWire) domainURI() sip.Uri {
	return sip.Uri{Scheme: "sip", Host: w.config.Domain}
}

func (w *SIPWire) authUser() string {
	if w.config.AuthUsername != "" {
		return w.config.AuthUsername
	}
	return w.config.Username
}

// Open sends an OPTIONS request, which makes sipgo dial the socket.
func (w *SIPWire) Open(ctx context.Context) error {
	if w.closed.IsBroken() {
		return errors.New("signaling: wire closed")
	}
	return w.options(ctx)
}

// Ping is the keepalive request. Any answer below 500 proves the socket and
// the server are alive.
func (w *SIPWire) Ping(ctx context.Context) error {
	return w.options(ctx)
}

func (w *SIPWire) options(ctx context.Context) error {
	req := w.newRequest(sip.OPTIONS, w.domainURI())

	tx, err := w.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	res, err := finalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}
	if res.StatusCode >= 500 {
		return &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}
	w.bindConnection(res.Source())
	return nil
}

// Disconnected reports the loss of the socket the registration is bound
// to. sipgo redials on the next request without telling anyone, so
// without this a dropped socket goes unnoticed as long as keepalives get
// through on the new one.
func (w *SIPWire) Disconnected() <-chan error {
	return w.lost
}

// bindConnection records the pooled socket that source names and starts
// watching it.
func (w *SIPWire) bindConnection(source string) {
	if source == "" {
		return
	}
	tl := w.ua.TransportLayer()
	conn, err := tl.GetConnection(w.transport, source)
	if err != nil {
		return
	}
	// GetConnection takes a reference; only the identity is kept.
	conn.TryClose()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.IsBroken() || w.conn == conn {
		return
	}
	if w.conn != nil {
		w.logger.Info("signaling socket changed", "remote", source)
	}
	w.conn = conn
	w.connAddr = source
	// A loss reported for the previous socket is stale now.
	select {
	case <-w.lost:
	default:
	}
	if !w.watching {
		w.watching = true
		go w.watchConnection()
	}
}

func (w *SIPWire) watchConnection() {
	ticker := time.NewTicker(w.config.ConnectionCheckInterval)
	defer ticker.Stop()
	tl := w.ua.TransportLayer()

	for {
		select {
		case <-w.closed.Watch():
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		conn, addr := w.conn, w.connAddr
		w.mu.Unlock()
		if conn == nil {
			continue
		}

		cur, err := tl.GetConnection(w.transport, addr)
		if err == nil {
			cur.TryClose()
			if cur == conn {
				continue
			}
		}

		w.mu.Lock()
		current := w.conn == conn
		if current {
			w.conn = nil
		}
		w.mu.Unlock()
		if !current {
			continue
		}
		w.logger.Warn("signaling socket lost", "remote", addr)
		select {
		case w.lost <- fmt.Errorf("signaling: connection to %s closed", addr):
		default:
		}
	}
}

// Register binds the contact for expiry seconds and returns what the
// registrar granted. Digest challenges are answered once.
func (w *SIPWire) Register(ctx context.Context, expiry int) (int, error) {
	req := w.newRequest(sip.REGISTER, w.domainURI())

	from := &sip.FromHeader{Address: w.aor, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: w.aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(w.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.ContactHeader{Address: w.contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := w.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := finalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := w.authorize(req, res)
		if err != nil {
			return 0, err
		}
		tx2, err := w.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = finalResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}
	w.bindConnection(res.Source())

	granted := expiry
	if h := res.GetHeader("Contact"); h != nil {
		if v := parseContactExpires(h.Value()); v > 0 {
			granted = v
		}
	} else if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && v > 0 {
			granted = v
		}
	}
	w.logger.Debug("registered", "aor", w.aor.String(), "expires", granted)
	return granted, nil
}

// Unregister removes the binding.
func (w *SIPWire) Unregister(ctx context.Context) error {
	if _, err := w.Register(ctx, 0); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	return nil
}

// authorize answers a 401/407 challenge with a copy of req carrying the
// digest credentials.
func (w *SIPWire) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: w.authUser(),
		Password: w.config.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	authReq.SetTransport(w.transport)
	authReq.SetDestination(w.dest)
	return authReq, nil
}

// Invite places an outbound session to target at the configured domain.
func (w *SIPWire) Invite(ctx context.Context, target string, offer []byte, onProgress func(code int)) (Dialog, []byte, error) {
	if w.closed.IsBroken() {
		return nil, nil, errors.New("signaling: wire closed")
	}

	var recipient sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", target, w.config.Domain), &recipient); err != nil {
		return nil, nil, fmt.Errorf("parsing target uri: %w", err)
	}

	req := w.newRequest(sip.INVITE, recipient)
	from := &sip.FromHeader{DisplayName: w.config.DisplayName, Address: w.aor, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.ContactHeader{Address: w.contact})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	logger := w.logger.With("call_id", string(callID), "target", target)
	logger.Debug("sending invite")

	// The transaction outlives ctx so a CANCEL can still be matched to it.
	tx, err := w.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, nil, fmt.Errorf("sending invite: %w", err)
	}

	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			go w.cancelInvite(req, tx, logger)
			return nil, nil, ctx.Err()
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				return nil, nil, fmt.Errorf("invite transaction error: %w", txErr)
			}
			return nil, nil, errors.New("invite transaction ended without final response")
		case res = <-tx.Responses():
		}

		logger.Debug("invite response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode < 200:
			if onProgress != nil && res.StatusCode > 100 {
				onProgress(res.StatusCode)
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authed:
			tx.Terminate()
			authReq, err := w.authorize(req, res)
			if err != nil {
				return nil, nil, err
			}
			tx, err = w.client.TransactionRequest(context.Background(), authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
			}
			req = authReq
			authed = true

		case res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := w.client.WriteRequest(ack); err != nil {
				logger.Warn("failed to send ack", "error", err)
			}
			d := w.trackDialog(&sipDialog{
				wire:     w,
				id:       string(callID),
				invite:   req,
				response: res,
				answered: true,
			})
			return d, res.Body(), nil

		default:
			tx.Terminate()
			return nil, nil, &StatusError{Code: res.StatusCode, Reason: res.Reason}
		}
	}
}

// cancelInvite withdraws a pending INVITE. If a 2xx crosses the CANCEL the
// answered leg is acknowledged and torn down at once.
func (w *SIPWire) cancelInvite(invite *sip.Request, tx sip.ClientTransaction, logger *slog.Logger) {
	defer tx.Terminate()

	cancelReq := w.newRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctx2, err := w.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		logger.Warn("failed to send cancel", "error", err)
		return
	}
	if _, err := finalResponse(ctx, ctx2); err != nil {
		logger.Debug("no response to cancel", "error", err)
	}
	ctx2.Terminate()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tx.Done():
			return
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode < 300 {
				logger.Info("invite answered after cancel, hanging up")
				if err := w.client.WriteRequest(buildACKFor2xx(invite, res)); err != nil {
					logger.Warn("failed to send ack", "error", err)
				}
				d := &sipDialog{wire: w, invite: invite, response: res, answered: true}
				if err := d.Bye(ctx); err != nil {
					logger.Warn("failed to send bye", "error", err)
				}
			}
			return
		}
	}
}

// Incoming delivers inbound dialogs.
func (w *SIPWire) Incoming() <-chan InboundDialog {
	return w.incoming
}

// Close ends every dialog and shuts the user agent down.
func (w *SIPWire) Close() error {
	w.mu.Lock()
	if w.closed.IsBroken() {
		w.mu.Unlock()
		return nil
	}
	w.closed.Break()
	dialogs := w.dialogs
	w.dialogs = make(map[string]*sipDialog)
	close(w.incoming)
	w.mu.Unlock()

	for _, d := range dialogs {
		d.done.Break()
	}
	w.server.Close()
	w.client.Close()
	return w.ua.Close()
}

func (w *SIPWire) trackDialog(d *sipDialog) *sipDialog {
	w.mu.Lock()
	w.dialogs[d.id] = d
	w.mu.Unlock()
	return d
}

func (w *SIPWire) dropDialog(id string) {
	w.mu.Lock()
	delete(w.dialogs, id)
	w.mu.Unlock()
}

func (w *SIPWire) lookupDialog(req *sip.Request) *sipDialog {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dialogs[cid.Value()]
}

func (w *SIPWire) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		w.logger.Debug("failed to send response", "code", code, "error", err)
	}
}

func (w *SIPWire) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	cid := req.CallID()
	if cid == nil {
		w.respond(req, tx, 400, "Missing Call-ID")
		return
	}

	// Re-INVITE inside a known dialog: repeat the current answer.
	if d := w.lookupDialog(req); d != nil {
		d.mu.Lock()
		last := d.response
		d.mu.Unlock()
		if last == nil {
			w.respond(req, tx, 491, "Request Pending")
			return
		}
		res := sip.NewResponseFromRequest(req, 200, "OK", last.Body())
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		res.AppendHeader(&sip.ContactHeader{Address: w.contact})
		if err := tx.Respond(res); err != nil {
			w.logger.Debug("failed to answer re-invite", "error", err)
		}
		return
	}

	w.respond(req, tx, 100, "Trying")

	d := &sipDialog{
		wire:     w,
		id:       cid.Value(),
		inbound:  true,
		invite:   req,
		tx:       tx,
		localTag: sip.GenerateTagN(16),
	}

	w.mu.Lock()
	if w.closed.IsBroken() {
		w.mu.Unlock()
		w.respond(req, tx, 503, "Service Unavailable")
		return
	}
	select {
	case w.incoming <- d:
		w.dialogs[d.id] = d
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.respond(req, tx, 486, "Busy Here")
		return
	}

	w.logger.Info("inbound invite", "call_id", d.id, "from", d.From())

	// An INVITE transaction ending before an answer means the far end gave up.
	go func() {
		select {
		case <-tx.Done():
		case <-d.done.Watch():
			return
		}
		d.mu.Lock()
		answered := d.answered
		d.mu.Unlock()
		if !answered {
			d.terminate()
		}
	}()
}

func (w *SIPWire) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if d := w.lookupDialog(req); d != nil {
		d.mu.Lock()
		d.confirmed = true
		d.mu.Unlock()
	}
}

func (w *SIPWire) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d := w.lookupDialog(req)
	if d == nil {
		w.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	w.respond(req, tx, 200, "OK")
	w.logger.Info("remote hangup", "call_id", d.id)
	d.terminate()
}

func (w *SIPWire) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	d := w.lookupDialog(req)
	if d == nil || !d.inbound {
		w.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	w.respond(req, tx, 200, "OK")

	d.mu.Lock()
	answered := d.answered
	d.mu.Unlock()
	if answered {
		return
	}
	w.respond(d.invite, d.tx, 487, "Request Terminated")
	d.terminate()
}

func (w *SIPWire) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		w.logger.Debug("failed to answer options", "error", err)
	}
}

// sipDialog is both directions of Dialog; inbound ones also satisfy
// InboundDialog.
type sipDialog struct {
	wire     *SIPWire
	id       string
	inbound  bool
	invite   *sip.Request
	tx       sip.ServerTransaction
	localTag string
	done     core.Fuse

	mu        sync.Mutex
	response  *sip.Response
	answered  bool
	confirmed bool
	cseq      uint32
}

func (d *sipDialog) ID() string                  { return d.id }
func (d *sipDialog) Terminated() <-chan struct{} { return d.done.Watch() }
func (d *sipDialog) Offer() []byte               { return d.invite.Body() }

func (d *sipDialog) From() string {
	if h := d.invite.From(); h != nil {
		return h.Address.User
	}
	return ""
}

func (d *sipDialog) Header(name string) string {
	if h := d.invite.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func (d *sipDialog) terminate() {
	d.done.Break()
	d.wire.dropDialog(d.id)
}

// Answer sends the 200 OK carrying answer.
func (d *sipDialog) Answer(ctx context.Context, answer []byte) error {
	if !d.inbound {
		return errors.New("signaling: answer on outbound dialog")
	}
	if d.done.IsBroken() {
		return errors.New("signaling: dialog already terminated")
	}

	res := sip.NewResponseFromRequest(d.invite, 200, "OK", answer)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", d.localTag)
		}
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: d.wire.contact})

	if err := d.tx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 OK: %w", err)
	}

	d.mu.Lock()
	d.response = res
	d.answered = true
	d.mu.Unlock()
	return nil
}

// Reject answers an unanswered inbound INVITE with a final failure.
func (d *sipDialog) Reject(ctx context.Context, code int, reason string) error {
	if !d.inbound {
		return errors.New("signaling: reject on outbound dialog")
	}
	d.mu.Lock()
	answered := d.answered
	d.mu.Unlock()
	if answered {
		return errors.New("signaling: dialog already answered")
	}

	res := sip.NewResponseFromRequest(d.invite, code, reason, nil)
	err := d.tx.Respond(res)
	d.terminate()
	if err != nil {
		return fmt.Errorf("sending %d: %w", code, err)
	}
	return nil
}

// Bye tears down an answered dialog.
func (d *sipDialog) Bye(ctx context.Context) error {
	d.mu.Lock()
	res := d.response
	answered := d.answered
	d.cseq++
	seq := d.cseq
	d.mu.Unlock()
	if !answered || res == nil {
		return errors.New("signaling: bye on unanswered dialog")
	}

	w := d.wire
	var bye *sip.Request
	if d.inbound {
		bye = buildInboundBye(d.invite, res, seq)
	} else {
		bye = buildOutboundBye(d.invite, res)
	}
	bye.SetTransport(w.transport)
	bye.SetDestination(w.dest)

	defer d.terminate()

	tx, err := w.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	r, err := finalResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if r.StatusCode >= 300 && r.StatusCode != 481 {
		return &StatusError{Code: r.StatusCode, Reason: r.Reason}
	}
	return nil
}

// buildACKFor2xx creates the ACK for a 2xx answer to an INVITE. The ACK is
// sent outside the INVITE transaction to the Contact of the answer.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetDestination(inviteReq.Destination())
	return ack
}

// buildOutboundBye addresses a BYE to the answering side of a dialog we
// initiated.
func buildOutboundBye(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	var seq uint32 = 1
	if h := inviteReq.CSeq(); h != nil {
		seq = h.SeqNo
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq + 1, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	return bye
}

// buildInboundBye addresses a BYE to the party that sent us the INVITE.
// Local and remote identities swap: our From is the To of our answer.
func buildInboundBye(inviteReq *sip.Request, answer *sip.Response, seq uint32) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	if to := answer.To(); to != nil {
		bye.AppendHeader(&sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if from := inviteReq.From(); from != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params,
		})
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	return bye
}

// finalResponse waits for the first final response of a client
// transaction.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter of a Contact value,
// e.g. <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	v, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return v
}
