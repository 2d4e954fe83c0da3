// Package api sends messages over the REST endpoint.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/outbox"
)

const DefaultTimeout = 60 * time.Second

// Sender implements outbox.Sender with a multipart POST per message. The
// nonce is the idempotency key, so a retried send is accepted once.
// A 401 signs the session out through signOut.
type Sender struct {
	baseURL string
	tokens  auth.TokenSource
	signOut auth.SignOutSink
	client  *http.Client
}

func NewSender(baseURL string, tokens auth.TokenSource, signOut auth.SignOutSink, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Sender{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, signOut: signOut, client: client}
}

func (s *Sender) Send(ctx context.Context, e *outbox.Entry, progress func(sent, total int64)) error {
	body, contentType, err := encode(e)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", outbox.ErrRejected, err)
	}

	total := int64(body.Len())
	var r io.Reader = body
	if progress != nil && len(e.Attachments) > 0 {
		r = &progressReader{r: body, total: total, fn: progress}
	}

	u := fmt.Sprintf("%s/channels/%s/messages", s.baseURL, url.PathEscape(e.ChannelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", outbox.ErrRejected, err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", e.Nonce)
	if err := auth.Apply(req.Header, s.tokens); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", e.Nonce, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		glog.V(5).Infof("api: sent %s to %s", e.Nonce, e.ChannelID)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("send %s (%d): %s", e.Nonce, resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode == http.StatusUnauthorized {
		// the entry stays queued; the session is over.
		if s.signOut != nil {
			s.signOut.SignOut("send unauthorized")
		}
		return fmt.Errorf("%w: %v", auth.ErrSignedOut, err)
	}
	if permanent(resp.StatusCode) {
		return fmt.Errorf("%w: %v", outbox.ErrRejected, err)
	}
	return err
}

// permanent reports whether a status means retrying cannot help. 401 is
// handled before.
func permanent(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

func encode(e *outbox.Entry) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("content", e.Content); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("nonce", e.Nonce); err != nil {
		return nil, "", err
	}
	for _, id := range e.Replies {
		if err := w.WriteField("replies", id); err != nil {
			return nil, "", err
		}
	}
	for _, a := range e.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, a.Filename))
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
