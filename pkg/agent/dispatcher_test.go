// Copyright 2024-2026 Aiku AI

package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat/wechattest"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

const testOwner = "@alice:example.com"

func command(kind wire.CommandKind, req int, data string) *wire.Command {
	cmd := &wire.Command{MXID: testOwner, ReqID: req, Command: kind}
	if data != "" {
		cmd.Data = json.RawMessage(data)
	}
	return cmd
}

// handle runs cmd and returns the single reply it produced.
func (f *dispatcherFixture) handle(t *testing.T, cmd *wire.Command) map[string]any {
	t.Helper()
	before := len(f.sender.Frames())
	f.dispatcher.Handle(context.Background(), cmd)
	frames := f.sender.Frames()
	if len(frames) != before+1 {
		t.Fatalf("%s produced %d replies, want 1", cmd.Command, len(frames)-before)
	}
	reply := frames[len(frames)-1]
	if reply["req"] != float64(cmd.ReqID) || reply["mxid"] != string(cmd.MXID) {
		t.Fatalf("reply is not correlated to request %d: %v", cmd.ReqID, reply)
	}
	return reply
}

func (f *dispatcherFixture) connect(t *testing.T) {
	t.Helper()
	reply := f.handle(t, command(wire.CommandConnect, 1, ""))
	if reply["command"] != "response" {
		t.Fatalf("connect failed: %v", reply)
	}
}

func errorMessage(t *testing.T, reply map[string]any) string {
	t.Helper()
	if reply["command"] != "error" {
		t.Fatalf("expected an error reply, got %v", reply)
	}
	data, _ := reply["data"].(map[string]any)
	msg, _ := data["message"].(string)
	return msg
}

func TestDispatcherConnect(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	reply := f.handle(t, command(wire.CommandConnect, 7, ""))

	if reply["command"] != "response" || reply["data"] != nil {
		t.Errorf("got %v, want a null response", reply)
	}
	sess, err := f.registry.GetByOwner(testOwner)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if sess.ControlPort != f.hook.Port() || sess.CallbackPort != 23333 {
		t.Errorf("unexpected session %+v", sess)
	}
	for _, typ := range []int{9, 11, 13} {
		if len(f.hook.CallsOfType(typ)) != 1 {
			t.Errorf("hook type %d not started", typ)
		}
	}
}

func TestDispatcherConnectReusesSession(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	f.connect(t)
	if n := f.driver.Launched(); n != 1 {
		t.Errorf("got %d launches, want 1", n)
	}
	for _, typ := range []int{9, 11, 13} {
		if n := len(f.hook.CallsOfType(typ)); n != 2 {
			t.Errorf("hook type %d started %d times, want 2", typ, n)
		}
	}
}

func TestDispatcherConnectReuseHookFailure(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	f.hook.Respond(11, `{"msg":"busy","result":"FAIL"}`)

	msg := errorMessage(t, f.handle(t, command(wire.CommandConnect, 2, "")))
	if !strings.Contains(msg, "image hook") {
		t.Errorf("unexpected error %q", msg)
	}
	if _, err := f.registry.GetByOwner(testOwner); err != nil {
		t.Errorf("running session should stay registered: %v", err)
	}
}

func TestDispatcherConnectReplacesUncheckableSession(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	first, _ := f.registry.GetByOwner(testOwner)
	f.driver.setAliveErr(errors.New("access denied"))

	f.handle(t, command(wire.CommandConnect, 2, ""))
	f.dispatcher.Wait()
	if n := f.driver.Launched(); n != 2 {
		t.Errorf("got %d launches, want 2", n)
	}
	if !slices.Contains(f.driver.Killed(), first.PID) {
		t.Errorf("previous process %d was not torn down, killed %v", first.PID, f.driver.Killed())
	}
	if _, err := f.registry.GetByPID(first.PID); !errors.Is(err, ErrNotFound) {
		t.Errorf("previous session should be dropped, got %v", err)
	}
}

func TestDispatcherConnectOwnersInParallel(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	entered, release := f.driver.blockNextLaunch()
	defer release()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.dispatcher.Handle(context.Background(), &wire.Command{MXID: "@bob:example.com", ReqID: 1, Command: wire.CommandConnect})
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first launch never started")
	}
	go func() {
		defer wg.Done()
		f.dispatcher.Handle(context.Background(), command(wire.CommandConnect, 2, ""))
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.driver.Launched() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.driver.Launched() == 0 {
		t.Error("a pending launch for one owner blocked another owner")
	}
	release()
	wg.Wait()
	f.dispatcher.Wait()
	if n := len(f.sender.Frames()); n != 2 {
		t.Errorf("got %d replies, want 2", n)
	}
}

func TestDispatcherConnectReplacesExitedSession(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	first, _ := f.registry.GetByOwner(testOwner)
	f.driver.setAlive(first.PID, false)

	// The second launch gets the next control port, which the fake does not
	// serve, so only the registry and driver effects are checked.
	f.handle(t, command(wire.CommandConnect, 2, ""))
	if n := f.driver.Launched(); n != 2 {
		t.Errorf("got %d launches, want 2", n)
	}
	if _, err := f.registry.GetByPID(first.PID); !errors.Is(err, ErrNotFound) {
		t.Errorf("exited session should be dropped, got %v", err)
	}
	f.dispatcher.Wait()
}

func TestDispatcherConnectHookFailure(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.hook.Respond(9, `{"msg":"port in use","result":"FAIL"}`)

	msg := errorMessage(t, f.handle(t, command(wire.CommandConnect, 3, "")))
	if !strings.Contains(msg, "message hook") {
		t.Errorf("unexpected error %q", msg)
	}
	if f.registry.Len() != 0 {
		t.Error("failed session should not be registered")
	}
	f.dispatcher.Wait()
	if len(f.driver.Killed()) != 1 {
		t.Error("failed session should be torn down")
	}
}

func TestDispatcherDisconnect(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	sess, _ := f.registry.GetByOwner(testOwner)

	reply := f.handle(t, command(wire.CommandDisconnect, 4, ""))
	if reply["command"] != "response" {
		t.Fatalf("disconnect failed: %v", reply)
	}
	if f.registry.Len() != 0 {
		t.Error("session should be dropped before the reply")
	}
	f.dispatcher.Wait()
	if got := f.driver.Killed(); !reflect.DeepEqual(got, []uint32{sess.PID}) {
		t.Errorf("killed %v, want [%d]", got, sess.PID)
	}
	for _, typ := range []int{10, 12, 14} {
		if len(f.hook.CallsOfType(typ)) != 1 {
			t.Errorf("hook type %d not stopped", typ)
		}
	}

	msg := errorMessage(t, f.handle(t, command(wire.CommandDisconnect, 5, "")))
	if !strings.Contains(msg, ErrNotFound.Error()) {
		t.Errorf("second disconnect: got %q", msg)
	}
}

func TestDispatcherRequiresSession(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	for i, kind := range []wire.CommandKind{
		wire.CommandLoginWithQR,
		wire.CommandIsLogin,
		wire.CommandGetSelf,
		wire.CommandGetFriendList,
		wire.CommandGetGroupList,
		wire.CommandSendMessage,
	} {
		msg := errorMessage(t, f.handle(t, command(kind, 100+i, "")))
		if !strings.Contains(msg, ErrNotFound.Error()) {
			t.Errorf("%s: got %q, want not found", kind, msg)
		}
	}
}

func TestDispatcherUnsupportedCommand(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	for i, kind := range []wire.CommandKind{wire.CommandPing, "reboot", wire.CommandResponse} {
		msg := errorMessage(t, f.handle(t, command(kind, 200+i, "")))
		if !strings.Contains(msg, ErrUnsupportedCommand.Error()) {
			t.Errorf("%s: got %q", kind, msg)
		}
	}
}

func TestDispatcherIsLogin(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)

	reply := f.handle(t, command(wire.CommandIsLogin, 10, ""))
	if !reflect.DeepEqual(reply["data"], map[string]any{"status": true}) {
		t.Errorf("got %v, want status true", reply["data"])
	}

	f.hook.Respond(0, `{"result":"FAIL"}`)
	reply = f.handle(t, command(wire.CommandIsLogin, 11, ""))
	if reply["command"] != "response" || !reflect.DeepEqual(reply["data"], map[string]any{"status": false}) {
		t.Errorf("failed check: got %v, want status false", reply)
	}
}

func TestDispatcherLoginQRCode(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	reply := f.handle(t, command(wire.CommandLoginWithQR, 12, ""))
	encoded, _ := reply["data"].(string)
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("QR code is not base64: %v", err)
	}
	if string(png) != string(wechattest.PNG) {
		t.Errorf("got %q, want the fake PNG", png)
	}
}

func TestDispatcherQueries(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	f.hook.SetContacts(wechattest.MicroMsgHandle, [][]string{
		{"wxid_bob", "Bob", "https://avatar/bob", "", "Bobby"},
		{"123@chatroom", "Team", "", "https://avatar/team/small", ""},
	})

	reply := f.handle(t, command(wire.CommandGetSelf, 20, ""))
	if data, _ := reply["data"].(map[string]any); data["wxId"] != "wxid_self" {
		t.Errorf("get_self: got %v", reply)
	}

	reply = f.handle(t, command(wire.CommandGetUserInfo, 21, `{"wxId":"wxid_bob"}`))
	if data, _ := reply["data"].(map[string]any); data["wxNickName"] != "Bob" || data["wxRemark"] != "Bobby" {
		t.Errorf("get_user_info: got %v", reply)
	}

	reply = f.handle(t, command(wire.CommandGetGroupMembers, 22, `{"groupId":"123@chatroom"}`))
	want := []any{"wxid_a", "wxid_b", "wxid_self"}
	if !reflect.DeepEqual(reply["data"], want) {
		t.Errorf("get_group_members: got %v, want %v", reply["data"], want)
	}

	reply = f.handle(t, command(wire.CommandGetGroupMemberNickname, 23, `{"groupId":"123@chatroom","wxId":"wxid_a"}`))
	if reply["data"] != "Alice in group" {
		t.Errorf("get_group_member_nickname: got %v", reply)
	}

	reply = f.handle(t, command(wire.CommandGetGroupInfo, 24, `{"groupId":"123@chatroom"}`))
	if data, _ := reply["data"].(map[string]any); data["wxNickName"] != "Team" || len(data["members"].([]any)) != 3 {
		t.Errorf("get_group_info: got %v", reply)
	}

	reply = f.handle(t, command(wire.CommandGetFriendList, 25, ""))
	if friends, _ := reply["data"].([]any); len(friends) != 1 {
		t.Errorf("get_friend_list: got %v, want only wxid_bob", reply["data"])
	}

	reply = f.handle(t, command(wire.CommandGetGroupList, 26, ""))
	if groups, _ := reply["data"].([]any); len(groups) != 1 {
		t.Errorf("get_group_list: got %v, want one group", reply["data"])
	}
}

func TestDispatcherQueryWithoutData(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)
	msg := errorMessage(t, f.handle(t, command(wire.CommandGetUserInfo, 30, "")))
	if !strings.Contains(msg, ErrInvalidPayload.Error()) {
		t.Errorf("got %q, want invalid payload", msg)
	}
}

func TestDispatcherSendMessage(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	f.connect(t)

	reply := f.handle(t, command(wire.CommandSendMessage, 40,
		`{"target":"wxid_bob","type":"m.text","content":"hello"}`))
	if reply["command"] != "response" {
		t.Fatalf("send_message failed: %v", reply)
	}
	calls := f.hook.CallsOfType(2)
	if len(calls) != 1 || calls[0].Body["wxid"] != "wxid_bob" || calls[0].Body["msg"] != "hello" {
		t.Errorf("send text calls: %+v", calls)
	}

	msg := errorMessage(t, f.handle(t, command(wire.CommandSendMessage, 41,
		`{"target":"wxid_bob","type":"m.image","content":"x","data":["wxid_a"]}`)))
	if !strings.Contains(msg, ErrInvalidPayload.Error()) {
		t.Errorf("mismatched payload: got %q", msg)
	}

	msg = errorMessage(t, f.handle(t, command(wire.CommandSendMessage, 42,
		`{"target":"wxid_bob","type":"m.text","data":{"what":1}}`)))
	if !strings.Contains(msg, ErrInvalidPayload.Error()) {
		t.Errorf("unknown payload: got %q", msg)
	}
}

func TestDispatcherRunRepliesOncePerCommand(t *testing.T) {
	t.Parallel()
	f := newDispatcherFixture(t)
	frames := make(chan []byte, 8)
	frames <- []byte(`{"mxid":"@alice:example.com","req":1,"command":"connect"}`)
	frames <- []byte(`not json`)
	frames <- []byte(`{"mxid":"@bob:example.com","req":2,"command":"get_self"}`)
	frames <- []byte(`{"mxid":"@alice:example.com","req":3,"command":"ping"}`)
	close(frames)

	f.dispatcher.Run(context.Background(), frames)
	f.dispatcher.Wait()

	seen := map[float64]int{}
	for _, reply := range f.sender.Frames() {
		req, _ := reply["req"].(float64)
		seen[req]++
	}
	if !reflect.DeepEqual(seen, map[float64]int{1: 1, 2: 1, 3: 1}) {
		t.Errorf("replies per request: got %v", seen)
	}
}
