// ABOUTME: Tests for DM and group authorization, pairing, mention gating and command gating

package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wap-gateway/internal/account"
	"github.com/2389/wap-gateway/internal/host"
	"github.com/2389/wap-gateway/internal/protocol"
)

type fakePairing struct {
	codes map[string]string
	calls int
	err   error
}

func (f *fakePairing) UpsertPairingRequest(_ context.Context, req host.PairingRequest) (host.PairingResult, error) {
	f.calls++
	if f.err != nil {
		return host.PairingResult{}, f.err
	}
	if f.codes == nil {
		f.codes = map[string]string{}
	}
	key := req.AccountID + "/" + req.PeerID
	if code, ok := f.codes[key]; ok {
		return host.PairingResult{Code: code, Created: false}, nil
	}
	code := fmt.Sprintf("CODE%d", len(f.codes)+1)
	f.codes[key] = code
	return host.PairingResult{Code: code, Created: true}, nil
}

func (f *fakePairing) BuildPairingReply(idLine, code string) string {
	return idLine + " / code " + code
}

type fakeAllowFrom struct {
	peers []string
	err   error
}

func (f *fakeAllowFrom) ReadAllowFrom(context.Context, string, string) ([]string, error) {
	return f.peers, f.err
}

func newTestEngine(p *fakePairing, a *fakeAllowFrom) *Engine {
	return NewEngine(EngineOptions{
		Pairing:   p,
		AllowFrom: a,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func baseAccount() account.Config {
	return account.Config{
		AccountID:                    "default",
		Enabled:                      true,
		DMPolicy:                     account.DMPairing,
		GroupPolicy:                  account.GroupOpen,
		RequireMentionInGroup:        true,
		SilentPairing:                true,
		NoMentionContextHistoryLimit: 8,
	}
}

func dm(sender, content string) protocol.Message {
	return protocol.Message{MsgID: 1, Talker: sender, Sender: sender, Content: content, IsPrivate: true}
}

func group(chat, sender, content string, atMe bool, id int64) protocol.Message {
	return protocol.Message{MsgID: id, Talker: chat, Sender: sender, Content: content, IsGroup: true, IsAtMe: atMe, TimestampMs: id}
}

func TestEvaluate_EmptyContentDropped(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	acct := baseAccount()
	acct.DMPolicy = account.DMOpen

	d, err := e.Evaluate(context.Background(), acct, dm("wxid_a", "   \n"))
	require.NoError(t, err)
	assert.Equal(t, Drop, d.Outcome)
}

func TestEvaluate_DMOpenAndDisabled(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})

	open := baseAccount()
	open.DMPolicy = account.DMOpen
	for _, sender := range []string{"wxid_a", "wxid_b", "stranger"} {
		d, err := e.Evaluate(context.Background(), open, dm(sender, "hi"))
		require.NoError(t, err)
		assert.Equal(t, Deliver, d.Outcome, sender)
		assert.Equal(t, "hi", d.Body)
	}

	disabled := baseAccount()
	disabled.DMPolicy = account.DMDisabled
	disabled.AllowFrom = []string{"*", "wxid_a"}
	d, err := e.Evaluate(context.Background(), disabled, dm("wxid_a", "hi"))
	require.NoError(t, err)
	assert.Equal(t, Drop, d.Outcome)
}

func TestEvaluate_DMAllowlist(t *testing.T) {
	p := &fakePairing{}
	e := newTestEngine(p, &fakeAllowFrom{peers: []string{"wxid_stored"}})
	acct := baseAccount()
	acct.DMPolicy = account.DMAllowlist
	acct.AllowFrom = []string{"wechat:WXID_A"}

	d, err := e.Evaluate(context.Background(), acct, dm("wxid_a", "hi"))
	require.NoError(t, err)
	assert.Equal(t, Deliver, d.Outcome)
	assert.Equal(t, "wxid_a", d.PeerID)

	// The pairing store does not count for allowlist accounts
	d, err = e.Evaluate(context.Background(), acct, dm("wxid_stored", "hi"))
	require.NoError(t, err)
	assert.Equal(t, Drop, d.Outcome)
	assert.Zero(t, p.calls)
}

func TestEvaluate_DMPairingIdempotent(t *testing.T) {
	p := &fakePairing{}
	e := newTestEngine(p, &fakeAllowFrom{})
	acct := baseAccount()
	acct.SilentPairing = false

	d, err := e.Evaluate(context.Background(), acct, dm("wxid_new", "hello"))
	require.NoError(t, err)
	assert.Equal(t, Pair, d.Outcome)
	require.NotNil(t, d.Pairing)
	assert.True(t, d.Pairing.Created)
	reply, ok := d.Reply.(protocol.SendText)
	require.True(t, ok, "expected a pairing reply")
	assert.Equal(t, "wxid_new", reply.Talker)
	assert.Contains(t, reply.Content, "CODE1")
	assert.Contains(t, reply.Content, "Your WeChat id: wxid_new")

	d, err = e.Evaluate(context.Background(), acct, dm("wxid_new", "hello again"))
	require.NoError(t, err)
	assert.Equal(t, Pair, d.Outcome)
	assert.False(t, d.Pairing.Created)
	assert.Equal(t, "CODE1", d.Pairing.Code)
	assert.Nil(t, d.Reply)
	assert.Equal(t, 2, p.calls)
}

func TestEvaluate_DMPairingSilent(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	d, err := e.Evaluate(context.Background(), baseAccount(), dm("wxid_new", "hello"))
	require.NoError(t, err)
	assert.Equal(t, Pair, d.Outcome)
	assert.True(t, d.Pairing.Created)
	assert.Nil(t, d.Reply)
}

func TestEvaluate_DMPairingUsesCanonicalPeer(t *testing.T) {
	p := &fakePairing{}
	e := newTestEngine(p, &fakeAllowFrom{})

	_, err := e.Evaluate(context.Background(), baseAccount(), dm("WeChat:WXID_New", "one"))
	require.NoError(t, err)
	d, err := e.Evaluate(context.Background(), baseAccount(), dm("wxid_new", "two"))
	require.NoError(t, err)
	assert.False(t, d.Pairing.Created)

	msg := protocol.Message{Talker: "wxid_talker", Sender: "", Content: "x", IsPrivate: true}
	assert.Equal(t, "wxid_talker", CanonicalPeer(msg))
}

func TestEvaluate_DMPairingReplyFallsBackToTalker(t *testing.T) {
	acct := baseAccount()
	acct.SilentPairing = false
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})

	msg := protocol.Message{MsgID: 7, Talker: "wxid_talker", Sender: "  ", Content: "hi", IsPrivate: true}
	d, err := e.Evaluate(context.Background(), acct, msg)
	require.NoError(t, err)
	require.Equal(t, Pair, d.Outcome)
	assert.Equal(t, "wxid_talker", d.PeerID)

	reply, ok := d.Reply.(protocol.SendText)
	require.True(t, ok)
	assert.Equal(t, "wxid_talker", reply.Talker)
	assert.Equal(t, "Your WeChat id: wxid_talker / code CODE1", reply.Content)
}

func TestEvaluate_DMPairingAllowFromStore(t *testing.T) {
	p := &fakePairing{}
	e := newTestEngine(p, &fakeAllowFrom{peers: []string{"wxid_paired"}})

	d, err := e.Evaluate(context.Background(), baseAccount(), dm("wxid_paired", "hi"))
	require.NoError(t, err)
	assert.Equal(t, Deliver, d.Outcome)
	assert.Zero(t, p.calls)
}

func TestEvaluate_StoreErrorsPropagate(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{err: errors.New("disk full")})
	_, err := e.Evaluate(context.Background(), baseAccount(), dm("wxid_a", "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	e = newTestEngine(&fakePairing{err: errors.New("locked")}, &fakeAllowFrom{})
	_, err = e.Evaluate(context.Background(), baseAccount(), dm("wxid_a", "hi"))
	require.Error(t, err)
}

func TestEvaluate_GroupPolicies(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	ctx := context.Background()

	disabled := baseAccount()
	disabled.GroupPolicy = account.GroupDisabled
	d, _ := e.Evaluate(ctx, disabled, group("1@chatroom", "wxid_a", "hi", true, 1))
	assert.Equal(t, Drop, d.Outcome)

	allow := baseAccount()
	allow.GroupPolicy = account.GroupAllowlist
	allow.GroupAllowChats = []string{"1@CHATROOM"}
	d, _ = e.Evaluate(ctx, allow, group("1@chatroom", "wxid_a", "hi", true, 1))
	assert.Equal(t, Deliver, d.Outcome)
	d, _ = e.Evaluate(ctx, allow, group("2@chatroom", "wxid_a", "hi", true, 1))
	assert.Equal(t, Drop, d.Outcome)

	wildcard := baseAccount()
	wildcard.GroupPolicy = account.GroupAllowlist
	wildcard.GroupAllowChats = []string{"*"}
	d, _ = e.Evaluate(ctx, wildcard, group("1@chatroom", "wxid_a", "hi", true, 1))
	assert.Equal(t, Drop, d.Outcome, "group allowlist does not honor the wildcard")

	senders := baseAccount()
	senders.GroupAllowFrom = []string{"wxid_boss"}
	d, _ = e.Evaluate(ctx, senders, group("1@chatroom", "wxid_a", "hi", true, 1))
	assert.Equal(t, Drop, d.Outcome)
	d, _ = e.Evaluate(ctx, senders, group("1@chatroom", "wxid_boss", "hi", true, 1))
	assert.Equal(t, Deliver, d.Outcome)
}

func TestEvaluate_MentionRequiredWithoutContext(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	d, err := e.Evaluate(context.Background(), baseAccount(), group("1@chatroom", "wxid_a", "chatter", false, 1))
	require.NoError(t, err)
	assert.Equal(t, Drop, d.Outcome)
	assert.Zero(t, e.History().Len("default", "1@chatroom"))

	noMention := baseAccount()
	noMention.RequireMentionInGroup = false
	d, err = e.Evaluate(context.Background(), noMention, group("1@chatroom", "wxid_a", "chatter", false, 2))
	require.NoError(t, err)
	assert.Equal(t, Deliver, d.Outcome)
}

func TestEvaluate_MentionContextFlush(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	acct := baseAccount()
	acct.NoMentionContextGroups = []string{"*"}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := e.Evaluate(ctx, acct, group("1@chatroom", fmt.Sprintf("wxid_%d", i), fmt.Sprintf("msg %d", i), false, int64(i)))
		require.NoError(t, err)
		assert.Equal(t, Buffer, d.Outcome)
	}

	d, err := e.Evaluate(ctx, acct, group("1@chatroom", "wxid_x", "@bot summarize", true, 4))
	require.NoError(t, err)
	require.Equal(t, Deliver, d.Outcome)
	require.Len(t, d.History, 3)
	assert.Equal(t, "msg 1", d.History[0].Body)
	assert.Equal(t, "msg 3", d.History[2].Body)
	assert.Equal(t, "1", d.History[0].MessageID)
	assert.Equal(t,
		"[Chat messages since your last reply - for context]\n"+
			"wxid_1: msg 1\nwxid_2: msg 2\nwxid_3: msg 3\n\n"+
			"[Current message - respond to this]\n@bot summarize",
		d.Body)
	assert.Equal(t, "@bot summarize", d.RawBody)

	// The buffer is consumed exactly once
	d, err = e.Evaluate(ctx, acct, group("1@chatroom", "wxid_x", "@bot again", true, 5))
	require.NoError(t, err)
	assert.Empty(t, d.History)
	assert.Equal(t, "@bot again", d.Body)
}

func TestEvaluate_MentionContextCapped(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	acct := baseAccount()
	acct.NoMentionContextGroups = []string{"1@chatroom"}
	acct.NoMentionContextHistoryLimit = 2
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := e.Evaluate(ctx, acct, group("1@chatroom", "wxid_a", fmt.Sprintf("msg %d", i), false, int64(i)))
		require.NoError(t, err)
	}

	d, err := e.Evaluate(ctx, acct, group("1@chatroom", "wxid_a", "@bot", true, 6))
	require.NoError(t, err)
	require.Len(t, d.History, 2)
	assert.Equal(t, "msg 4", d.History[0].Body)
	assert.Equal(t, "msg 5", d.History[1].Body)
}

func TestEvaluate_HistoryKeptWhenSenderRejected(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	acct := baseAccount()
	acct.NoMentionContextGroups = []string{"*"}
	acct.GroupAllowFrom = []string{"wxid_boss"}
	ctx := context.Background()

	_, _ = e.Evaluate(ctx, acct, group("1@chatroom", "wxid_a", "context", false, 1))
	d, _ := e.Evaluate(ctx, acct, group("1@chatroom", "wxid_a", "@bot", true, 2))
	assert.Equal(t, Drop, d.Outcome)
	assert.Equal(t, 1, e.History().Len("default", "1@chatroom"))

	d, _ = e.Evaluate(ctx, acct, group("1@chatroom", "wxid_boss", "@bot", true, 3))
	assert.Equal(t, Deliver, d.Outcome)
	assert.Len(t, d.History, 1)
}

func TestEvaluate_HistoryIsolatedPerAccount(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	work := baseAccount()
	work.AccountID = "work"
	work.NoMentionContextGroups = []string{"*"}
	home := work
	home.AccountID = "home"
	ctx := context.Background()

	_, _ = e.Evaluate(ctx, work, group("1@chatroom", "wxid_a", "work chatter", false, 1))
	d, _ := e.Evaluate(ctx, home, group("1@chatroom", "wxid_a", "@bot", true, 2))
	assert.Empty(t, d.History)
	assert.Equal(t, 1, e.History().Len("work", "1@chatroom"))
}

func TestEvaluate_ControlCommandGate(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	acct := baseAccount()
	acct.DMPolicy = account.DMOpen
	acct.AllowFrom = []string{"wxid_owner"}
	ctx := context.Background()

	d, _ := e.Evaluate(ctx, acct, dm("wxid_guest", "/reset"))
	assert.Equal(t, Drop, d.Outcome)

	d, _ = e.Evaluate(ctx, acct, dm("wxid_guest", "plain chat"))
	assert.Equal(t, Deliver, d.Outcome)
	assert.False(t, d.CommandAuthorized)

	d, _ = e.Evaluate(ctx, acct, dm("wxid_owner", "/reset"))
	assert.Equal(t, Deliver, d.Outcome)
	assert.True(t, d.CommandAuthorized)
}

func TestEvaluate_ControlCommandKeepsGroupHistory(t *testing.T) {
	e := newTestEngine(&fakePairing{}, &fakeAllowFrom{})
	acct := baseAccount()
	acct.NoMentionContextGroups = []string{"*"}
	ctx := context.Background()

	_, _ = e.Evaluate(ctx, acct, group("1@chatroom", "wxid_a", "context", false, 1))
	d, _ := e.Evaluate(ctx, acct, group("1@chatroom", "wxid_a", "/new", true, 2))
	assert.Equal(t, Drop, d.Outcome)
	assert.Equal(t, 1, e.History().Len("default", "1@chatroom"))
}

func TestIsControlCommand(t *testing.T) {
	assert.True(t, IsControlCommand("/reset"))
	assert.True(t, IsControlCommand("  /Status now"))
	assert.False(t, IsControlCommand("/"))
	assert.False(t, IsControlCommand("/ hello"))
	assert.False(t, IsControlCommand("// comment"))
	assert.False(t, IsControlCommand("hello /reset"))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "deliver", Deliver.String())
	assert.Equal(t, "pair", Pair.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
