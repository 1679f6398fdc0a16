package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lecturegrab/internal/booking"
	"github.com/example/lecturegrab/internal/clock"
)

type seen struct {
	mu   sync.Mutex
	reqs []*http.Request
	form []map[string][]string
}

func (s *seen) add(r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.reqs = append(s.reqs, r)
	s.form = append(s.form, r.PostForm)
	s.mu.Unlock()
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.add(r)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL: srv.URL + "/app",
		Cookie:  " JSESSIONID=abc ",
		Clock:   clock.NewFake(time.UnixMilli(1700000000123)),
	})
	require.NoError(t, err)
	return c, s
}

func TestQueryListing(t *testing.T) {
	c, s := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"datas":[]}`))
	})
	body, err := c.QueryListing(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"datas":[]}`, string(body))

	r := s.reqs[0]
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "/app/hdyy/queryActivityList.do", r.URL.Path)
	assert.Equal(t, "1700000000123", r.URL.Query().Get("_"))
	assert.Equal(t, "JSESSIONID=abc", r.Header.Get("Cookie"))
	assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
	assert.Equal(t, "1", s.form[0]["pageIndex"][0])
	assert.Equal(t, "100", s.form[0]["pageSize"][0])
}

func TestSubmitEncodesParamJSON(t *testing.T) {
	c, s := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":0,"msg":"OK"}`))
	})
	body, err := c.Submit(context.Background(), "W123", "ab12")
	require.NoError(t, err)
	assert.Equal(t, booking.Success, booking.Classify(body).Kind)

	assert.Equal(t, "/app/hdyy/yySave.do", s.reqs[0].URL.Path)
	assert.Empty(t, s.reqs[0].URL.RawQuery)
	var p map[string]string
	require.NoError(t, json.Unmarshal([]byte(s.form[0]["paramJson"][0]), &p))
	assert.Equal(t, map[string]string{"HD_WID": "W123", "vcode": "ab12"}, p)
}

func TestFetchCaptcha(t *testing.T) {
	c, s := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"data:image/jpeg;base64,AAAA"}`))
	})
	img, err := c.FetchCaptcha(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", img)
	assert.Equal(t, "/app/hdyy/vcode.do", s.reqs[0].URL.Path)

	c, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":""}`))
	})
	_, err = c.FetchCaptcha(context.Background())
	assert.Error(t, err)
}

func TestServerErrorsAreReported(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.QueryListing(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestLoginPageIsReturnedAsIs(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>统一身份认证</html>`))
	})
	_, err := c.Lectures(context.Background(), time.UTC)
	assert.ErrorIs(t, err, booking.ErrSessionExpired)
}

func TestCheckPermission(t *testing.T) {
	c, s := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("wid") == "ok" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"msg":"不在预约范围内"}`))
	})
	assert.NoError(t, c.CheckPermission(context.Background(), "ok"))

	err := c.CheckPermission(context.Background(), "nope")
	assert.ErrorIs(t, err, booking.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "不在预约范围内")
	assert.Equal(t, "/app/hdyy/appiontCheck.do", s.reqs[1].URL.Path)
}

func TestTimeoutApplies(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.QueryListing(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServerOffset(t *testing.T) {
	ahead := time.Now().Add(30 * time.Second).UTC()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", ahead.Format(http.TimeFormat))
		_, _ = w.Write([]byte(`{"datas":[]}`))
	})
	off, err := c.ServerOffset(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 30*time.Second, off, float64(2*time.Second))
}
