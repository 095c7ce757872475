// Copyright 2024-2026 Aiku AI

// Package wechattest provides a fake hook control API for tests.
package wechattest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
)

// PNG is the canned QR code image served by the fake.
var PNG = []byte("\x89PNG\r\n\x1a\nfake-qr")

// Database handles served by the fake.
const (
	MicroMsgHandle = 101
	OpenIMHandle   = 202
)

// ContactHeader is the header row the fake prepends to contact query
// results.
var ContactHeader = []string{"UserName", "NickName", "BigHeadImgUrl", "SmallHeadImgUrl", "Remark"}

// Call records one request to the fake.
type Call struct {
	Type int
	Body map[string]any
}

// FakeHook wraps an httptest.Server simulating the control API of one
// hooked WeChat process. It records calls and serves canned responses.
type FakeHook struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []Call
	// responses overrides the body returned for a request type.
	responses map[int]string
	// tables holds contact rows (without header) per database handle.
	tables map[int64][][]string
}

var userNameFilter = regexp.MustCompile(`UserName="([^"]*)"`)

// NewFakeHook starts a fake control API on 127.0.0.1.
func NewFakeHook() *FakeHook {
	f := &FakeHook{
		responses: map[int]string{
			0:  `{"is_login":1,"result":"OK"}`,
			1:  `{"result":"OK","data":{"wxId":"wxid_self","wxNickName":"Self","wxBigAvatar":"https://avatar/self","wxRemark":""}}`,
			25: `{"members":"wxid_a^Gwxid_b^Gwxid_self","result":"OK"}`,
			26: `{"nickname":"Alice in group"}`,
			32: `{"data":[{"db_name":"MicroMsg.db","handle":101},{"db_name":"OpenIMContact.db","handle":202}]}`,
		},
		tables: map[int64][][]string{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// Close shuts the fake down.
func (f *FakeHook) Close() {
	f.Server.Close()
}

// Port returns the TCP port the fake listens on.
func (f *FakeHook) Port() int {
	_, port, _ := net.SplitHostPort(f.Server.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Respond sets the body served for a request type.
func (f *FakeHook) Respond(typ int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[typ] = body
}

// SetContacts replaces the rows of the contact table behind handle.
func (f *FakeHook) SetContacts(handle int64, rows [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[handle] = rows
}

// Calls returns a copy of all recorded calls.
func (f *FakeHook) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Call, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsOfType returns the recorded calls of one request type.
func (f *FakeHook) CallsOfType(typ int) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeHook) handle(w http.ResponseWriter, r *http.Request) {
	typ, err := strconv.Atoi(r.URL.Query().Get("type"))
	if r.Method != http.MethodPost || r.URL.Path != "/api/" || err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, Call{Type: typ, Body: body})
	resp, ok := f.responses[typ]
	f.mu.Unlock()

	switch {
	case typ == 34 && !ok:
		f.query(w, body)
	case typ == 41 && !ok:
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(PNG)
	case ok:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"msg":"success","result":"OK"}`)
	}
}

func (f *FakeHook) query(w http.ResponseWriter, body map[string]any) {
	handle, _ := body["db_handle"].(float64)
	sql, _ := body["sql"].(string)

	f.mu.Lock()
	rows := f.tables[int64(handle)]
	f.mu.Unlock()

	data := [][]string{ContactHeader}
	match := userNameFilter.FindStringSubmatch(sql)
	for _, row := range rows {
		if match != nil && row[0] != match[1] {
			continue
		}
		data = append(data, row)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": "OK", "data": data})
}
