package mailcmd

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/mailbox"
	"github.com/gomailzero/gamemail/internal/quota"
	"github.com/gomailzero/gamemail/internal/ratelimit"
)

type line struct {
	kind Kind
	text string
}

type fakeConn struct {
	uid   uint32
	name  string
	lines []line
}

func (c *fakeConn) AccountID() uint32 { return c.uid }
func (c *fakeConn) Username() string  { return c.name }
func (c *fakeConn) Send(kind Kind, text string) {
	c.lines = append(c.lines, line{kind: kind, text: text})
}

func (c *fakeConn) texts() []string {
	out := make([]string, len(c.lines))
	for i, l := range c.lines {
		out[i] = l.text
	}
	return out
}

func (c *fakeConn) reset() {
	c.lines = nil
}

type fakeAccounts struct {
	byName map[string]*account.Account
	attrs  map[uint32]map[string]string
	err    error
}

func newFakeAccounts(names ...string) *fakeAccounts {
	f := &fakeAccounts{
		byName: make(map[string]*account.Account),
		attrs:  make(map[uint32]map[string]string),
	}
	for i, name := range names {
		f.byName[strings.ToLower(name)] = &account.Account{UID: uint32(i + 1), Name: name, Active: true}
	}
	return f
}

func (f *fakeAccounts) Lookup(_ context.Context, name string) (*account.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acct, ok := f.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("账号不存在: %w", account.ErrNotFound)
	}
	return acct, nil
}

func (f *fakeAccounts) Attr(_ context.Context, uid uint32, key string) (string, bool, error) {
	v, ok := f.attrs[uid][key]
	return v, ok, nil
}

func (f *fakeAccounts) setQuota(uid uint32, v string) {
	if f.attrs[uid] == nil {
		f.attrs[uid] = make(map[string]string)
	}
	f.attrs[uid][quota.AttrMailQuota] = v
}

type fixture struct {
	h        *Handler
	accounts *fakeAccounts
	alice    *fakeConn
	bob      *fakeConn
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	accounts := newFakeAccounts("alice", "bob")
	store := mailbox.NewStore(t.TempDir(), nil)
	opts.Enabled = true
	if opts.Quota.Max == 0 {
		opts.Quota = quota.NewPolicy(quota.DefaultMailQuota, quota.MaxMailQuota)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &fixture{
		h:        New(store, accounts, opts),
		accounts: accounts,
		alice:    &fakeConn{uid: 1, name: "alice"},
		bob:      &fakeConn{uid: 2, name: "bob"},
	}
}

func (f *fixture) size(t *testing.T, uid uint32) int {
	t.Helper()
	n, err := f.h.UnreadCount(context.Background(), uid)
	if err != nil {
		t.Fatalf("UnreadCount() error = %v", err)
	}
	return n
}

func TestHandle_NullConnection(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.h.Handle(context.Background(), nil, "/mail")
	if !errors.Is(err, ErrNullConnection) {
		t.Errorf("error = %v, want ErrNullConnection", err)
	}
}

func TestHandle_FeatureDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	f.h.Reload(false, f.h.Policy())

	for _, text := range []string{"/mail", "/mail send bob hi", "/mail help"} {
		f.alice.reset()
		err := f.h.Handle(context.Background(), f.alice, text)
		if !errors.Is(err, ErrFeatureDisabled) {
			t.Errorf("%q: error = %v, want ErrFeatureDisabled", text, err)
		}
		want := []line{{KindError, "This server has NO mail support."}}
		if !reflect.DeepEqual(f.alice.lines, want) {
			t.Errorf("%q: lines = %v, want %v", text, f.alice.lines, want)
		}
	}
	if n := f.size(t, 2); n != 0 {
		t.Errorf("关闭时不应投递, size = %d", n)
	}

	f.h.Reload(true, f.h.Policy())
	f.alice.reset()
	if err := f.h.Handle(context.Background(), f.alice, "/mail"); err != nil {
		t.Errorf("重新开启后 error = %v", err)
	}
}

func TestHandle_EmptyMailbox(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.h.Handle(context.Background(), f.alice, "/mail read"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	want := []line{{KindInfo, "You have no mail."}}
	if !reflect.DeepEqual(f.alice.lines, want) {
		t.Errorf("lines = %v, want %v", f.alice.lines, want)
	}
}

func TestHandle_ReadAbbreviations(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.h.Handle(ctx, f.alice, "/mail send bob first"); err != nil {
		t.Fatal(err)
	}
	if err := f.h.Handle(ctx, f.alice, "/mail send bob second"); err != nil {
		t.Fatal(err)
	}

	var outputs [][]string
	for _, text := range []string{"/mail", "/mail r", "/mail read", "/mail READ", "/mail   "} {
		f.bob.reset()
		if err := f.h.Handle(ctx, f.bob, text); err != nil {
			t.Fatalf("%q: error = %v", text, err)
		}
		outputs = append(outputs, f.bob.texts())
	}
	for i := 1; i < len(outputs); i++ {
		if !reflect.DeepEqual(outputs[0], outputs[i]) {
			t.Errorf("输出不一致:\n%v\n%v", outputs[0], outputs[i])
		}
	}
}

func TestHandle_SendAndList(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.h.Handle(ctx, f.alice, "/mail send bob   hello  world  "); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	want := []line{{KindInfo, "Your mail has been sent successfully."}}
	if !reflect.DeepEqual(f.alice.lines, want) {
		t.Errorf("lines = %v, want %v", f.alice.lines, want)
	}

	msgs, err := f.h.Store().Open(2).ReadAll(ctx)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadAll() = %v, %v", msgs, err)
	}
	if msgs[0].Sender() != "alice" || msgs[0].Body() != "hello  world" {
		t.Errorf("message = %q/%q", msgs[0].Sender(), msgs[0].Body())
	}
	date := msgs[0].Time().UTC().Format("Mon Jan 02 15:04:05 2006")

	if err := f.h.Handle(ctx, f.bob, "/mail"); err != nil {
		t.Fatal(err)
	}
	wantList := []string{
		"You have 1 messages. Your mail quota is set to 5.",
		"ID    Sender          Date",
		"-------------------------------------",
		"00    alice          " + date,
		"Use /mail read <ID> to read the content of any message",
	}
	if got := f.bob.texts(); !reflect.DeepEqual(got, wantList) {
		t.Errorf("list =\n%q\nwant\n%q", got, wantList)
	}

	f.bob.reset()
	if err := f.h.Handle(ctx, f.bob, "/mail read 0"); err != nil {
		t.Fatal(err)
	}
	wantRead := []string{
		"Message #0 from alice on " + date + ":",
		"hello  world",
	}
	if got := f.bob.texts(); !reflect.DeepEqual(got, wantRead) {
		t.Errorf("read = %q, want %q", got, wantRead)
	}
}

func TestHandle_ListTruncatesSender(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.h.Send(ctx, "averyveryverylongname", "bob", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := f.h.Handle(ctx, f.bob, "/mail"); err != nil {
		t.Fatal(err)
	}
	row := f.bob.texts()[3]
	if !strings.HasPrefix(row, "00    averyveryveryl ") {
		t.Errorf("row = %q", row)
	}
}

func TestHandle_SendErrors(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
		want    []string
	}{
		{
			name:    "缺少收件人",
			text:    "/mail send",
			wantErr: ErrUsage,
			want:    []string{"You must specify the receiver", "Syntax: /mail send <receiver> <message>"},
		},
		{
			name:    "正文为空",
			text:    "/mail s bob  \t ",
			wantErr: ErrUsage,
			want:    []string{"Your message is empty!", "Syntax: /mail send <receiver> <message>"},
		},
		{
			name:    "收件人不存在",
			text:    "/mail send nobody hi",
			wantErr: ErrUnknownAccount,
			want:    []string{"Receiver UNKNOWN!"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			err := f.h.Handle(context.Background(), f.alice, tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := f.alice.texts(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
			for _, l := range f.alice.lines {
				if l.kind != KindError {
					t.Errorf("%q 应为错误信息", l.text)
				}
			}
			if n := f.size(t, 2); n != 0 {
				t.Errorf("失败时不应投递, size = %d", n)
			}
		})
	}
}

func TestHandle_SendLookupFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.accounts.err = errors.New("db down")

	err := f.h.Handle(context.Background(), f.alice, "/mail send bob hi")
	if err == nil {
		t.Fatal("应返回错误")
	}
	want := []string{"There was an error completing your request!"}
	if got := f.alice.texts(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestHandle_Quota(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.accounts.setQuota(2, "2")

	for i := 0; i < 2; i++ {
		if err := f.h.Handle(ctx, f.alice, fmt.Sprintf("/mail send bob msg%d", i)); err != nil {
			t.Fatalf("第 %d 封: %v", i, err)
		}
	}

	f.alice.reset()
	err := f.h.Handle(ctx, f.alice, "/mail send bob overflow")
	if !errors.Is(err, mailbox.ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}
	want := []string{"Receiver has reached his mail quota. Your message will NOT be sent."}
	if got := f.alice.texts(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
	if n := f.size(t, 2); n != 2 {
		t.Errorf("size = %d, want 2", n)
	}

	if err := f.h.Handle(ctx, f.bob, "/mail"); err != nil {
		t.Fatal(err)
	}
	if got := f.bob.texts()[0]; got != "You have 2 messages. Your mail quota is set to 2." {
		t.Errorf("header = %q", got)
	}
}

func TestHandle_QuotaClampedOverride(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.accounts.setQuota(2, "0")

	if err := f.h.Send(ctx, "alice", "bob", "one"); err != nil {
		t.Fatal(err)
	}
	if err := f.h.Send(ctx, "alice", "bob", "two"); !errors.Is(err, mailbox.ErrQuotaExceeded) {
		t.Errorf("配额 0 应按 1 处理, error = %v", err)
	}
}

func TestHandle_RateLimit(t *testing.T) {
	f := newFixture(t, Options{Limiter: ratelimit.New(1, time.Hour)})
	ctx := context.Background()

	if err := f.h.Handle(ctx, f.alice, "/mail send bob one"); err != nil {
		t.Fatal(err)
	}
	f.alice.reset()
	err := f.h.Handle(ctx, f.alice, "/mail send bob two")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	want := []string{"You are sending mail too fast. Please wait a moment."}
	if got := f.alice.texts(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}

	// 限速按发件人计算
	if err := f.h.Handle(ctx, f.bob, "/mail send alice hi"); err != nil {
		t.Errorf("bob 不应被限速: %v", err)
	}
}

func TestHandle_ReadIndex(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if err := f.h.Send(ctx, "alice", "bob", "hi"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		text    string
		wantErr error
		want    string
	}{
		{"越界", "/mail read 5", mailbox.ErrNotFound, "There was an error completing your request."},
		{"超大序号", "/mail read 99999999999999999999999", mailbox.ErrNotFound, "There was an error completing your request."},
		{"非数字", "/mail read abc", ErrFormat, "Invalid index. Please use /mail read <index> where <index> is a number."},
		{"负数", "/mail r -1", ErrFormat, "Invalid index. Please use /mail read <index> where <index> is a number."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.bob.reset()
			err := f.h.Handle(ctx, f.bob, tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			want := []line{{KindError, tt.want}}
			if !reflect.DeepEqual(f.bob.lines, want) {
				t.Errorf("lines = %v, want %v", f.bob.lines, want)
			}
		})
	}

	var readErr *mailbox.ReadError
	f.bob.reset()
	if err := f.h.Handle(ctx, f.bob, "/mail read 3"); !errors.As(err, &readErr) {
		t.Errorf("error = %T, want *mailbox.ReadError", err)
	}
}

func TestHandle_Delete(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.h.Send(ctx, "alice", "bob", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("缺少序号", func(t *testing.T) {
		f.bob.reset()
		err := f.h.Handle(ctx, f.bob, "/mail delete")
		if !errors.Is(err, ErrUsage) {
			t.Errorf("error = %v, want ErrUsage", err)
		}
		want := []string{"Please specify which message to delete. Use the following syntax: /mail delete {<index>|all} ."}
		if got := f.bob.texts(); !reflect.DeepEqual(got, want) {
			t.Errorf("lines = %q", got)
		}
	})

	t.Run("非数字", func(t *testing.T) {
		f.bob.reset()
		err := f.h.Handle(ctx, f.bob, "/mail del xyz")
		if !errors.Is(err, ErrFormat) {
			t.Errorf("error = %v, want ErrFormat", err)
		}
		want := []string{"Invalid index. Please use /mail delete {<index>|all} where <index> is a number."}
		if got := f.bob.texts(); !reflect.DeepEqual(got, want) {
			t.Errorf("lines = %q", got)
		}
		if n := f.size(t, 2); n != 3 {
			t.Errorf("size = %d, want 3", n)
		}
	})

	t.Run("ALL 区分大小写", func(t *testing.T) {
		f.bob.reset()
		if err := f.h.Handle(ctx, f.bob, "/mail delete ALL"); !errors.Is(err, ErrFormat) {
			t.Errorf("error = %v, want ErrFormat", err)
		}
	})

	t.Run("越界仍提示成功", func(t *testing.T) {
		f.bob.reset()
		if err := f.h.Handle(ctx, f.bob, "/mail delete 9"); err != nil {
			t.Errorf("error = %v", err)
		}
		want := []string{"Succesfully deleted message."}
		if got := f.bob.texts(); !reflect.DeepEqual(got, want) {
			t.Errorf("lines = %q", got)
		}
		if n := f.size(t, 2); n != 3 {
			t.Errorf("size = %d, want 3", n)
		}
	})

	t.Run("按序号删除", func(t *testing.T) {
		f.bob.reset()
		if err := f.h.Handle(ctx, f.bob, "/mail delete 1"); err != nil {
			t.Fatal(err)
		}
		if n := f.size(t, 2); n != 2 {
			t.Errorf("size = %d, want 2", n)
		}
	})

	t.Run("全部删除", func(t *testing.T) {
		f.bob.reset()
		if err := f.h.Handle(ctx, f.bob, "/mail delete all"); err != nil {
			t.Fatal(err)
		}
		want := []string{"Successfully deleted messages."}
		if got := f.bob.texts(); !reflect.DeepEqual(got, want) {
			t.Errorf("lines = %q", got)
		}
		if n := f.size(t, 2); n != 0 {
			t.Errorf("size = %d, want 0", n)
		}
	})
}

func TestHandle_HelpAndUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.h.Handle(ctx, f.alice, "/mail H"); err != nil {
		t.Errorf("help error = %v", err)
	}
	help := f.alice.lines
	if help[0] != (line{KindInfo, "The mail command supports the following patterns."}) {
		t.Errorf("help[0] = %v", help[0])
	}
	if len(help) != 1+len(usageLines) {
		t.Errorf("help 行数 = %d, want %d", len(help), 1+len(usageLines))
	}

	f.alice.reset()
	err := f.h.Handle(ctx, f.alice, "/mail frobnicate")
	if !errors.Is(err, ErrUnknownVerb) {
		t.Errorf("error = %v, want ErrUnknownVerb", err)
	}
	if f.alice.lines[0] != (line{KindError, "The command its incorrect. Use one of the following patterns."}) {
		t.Errorf("unknown[0] = %v", f.alice.lines[0])
	}
	if !reflect.DeepEqual(f.alice.lines[1:], help[1:]) {
		t.Error("未知命令应附带用法说明")
	}
}

func TestNextToken(t *testing.T) {
	tests := []struct {
		in, token, rest string
	}{
		{"", "", ""},
		{"/mail", "/mail", ""},
		{"  send bob hi", "send", " bob hi"},
		{"\tr\t0", "r", "\t0"},
	}
	for _, tt := range tests {
		token, rest := nextToken(tt.in)
		if token != tt.token || rest != tt.rest {
			t.Errorf("nextToken(%q) = %q, %q; want %q, %q", tt.in, token, rest, tt.token, tt.rest)
		}
	}
}
