package chatd

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/crypto"
	"github.com/gomailzero/gamemail/internal/mailbox"
	"github.com/gomailzero/gamemail/internal/mailcmd"
	"github.com/gomailzero/gamemail/internal/metrics"
	"github.com/gomailzero/gamemail/internal/quota"
)

type testServer struct {
	addr     string
	accounts *account.SQLiteDirectory
	store    *mailbox.Store
	mail     *mailcmd.Handler
	metrics  *metrics.Exporter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	accounts, err := account.NewSQLiteDirectory(filepath.Join(dir, "accounts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { accounts.Close() })

	store := mailbox.NewStore(filepath.Join(dir, "mail"), nil)
	exporter := metrics.NewExporter()
	mail := mailcmd.New(store, accounts, mailcmd.Options{
		Enabled:  true,
		Quota:    quota.NewPolicy(quota.DefaultMailQuota, quota.MaxMailQuota),
		Metrics:  exporter,
		Location: time.UTC,
	})

	srv := NewServer(&Config{
		MOTD:        "Server rules:\nbe nice",
		Accounts:    accounts,
		Mail:        mail,
		Metrics:     exporter,
		IdleTimeout: 10 * time.Second,
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &testServer{
		addr:     l.Addr().String(),
		accounts: accounts,
		store:    store,
		mail:     mail,
		metrics:  exporter,
	}
}

func (ts *testServer) createAccount(t *testing.T, name, password string) uint32 {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	acct := &account.Account{Name: name, PasswordHash: hash, Active: true}
	if err := ts.accounts.Create(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	return acct.UID
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect("Welcome.")
	return c
}

func (c *client) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatal(err)
	}
}

func (c *client) readLine() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// expect 读取直到出现以 prefix 开头的行，返回跳过的行和该行
func (c *client) expect(prefix string) []string {
	c.t.Helper()
	var seen []string
	for {
		line, err := c.readLine()
		if err != nil {
			c.t.Fatalf("等待 %q 失败: %v (已读 %q)", prefix, err, seen)
		}
		seen = append(seen, line)
		if strings.HasPrefix(line, prefix) {
			return seen
		}
	}
}

func TestServer_CreateAndConnect(t *testing.T) {
	ts := newTestServer(t)

	c := ts.dial(t)
	c.send("create alice secret")
	lines := c.expect("be nice")
	if lines[0] != "Welcome, alice!" {
		t.Errorf("首行 = %q", lines[0])
	}
	c.send("/quit")
	c.expect("Goodbye!")

	if _, err := ts.accounts.Lookup(context.Background(), "ALICE"); err != nil {
		t.Fatalf("账号未创建: %v", err)
	}

	c = ts.dial(t)
	c.send("create alice other")
	c.expect("ERROR: That name is already taken.")
	c.send("connect alice secret")
	c.expect("Welcome, alice!")
}

func TestServer_BadLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.createAccount(t, "bob", "right")

	c := ts.dial(t)
	c.send("connect bob wrong")
	c.expect("ERROR: " + badLogin)
	c.send("connect nobody pw")
	c.expect("ERROR: " + badLogin)
	c.send("connect bob wrong")
	c.expect("ERROR: Too many failed attempts.")

	if _, err := c.readLine(); err == nil {
		t.Error("连接应该被关闭")
	}
}

func TestServer_LoginRequiredForMail(t *testing.T) {
	ts := newTestServer(t)

	c := ts.dial(t)
	c.send("/mail")
	c.expect("Commands: connect")
	c.send("connect onlyone")
	c.expect("Usage: connect <name> <password>")
}

func TestServer_UnreadNotice(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.createAccount(t, "carol", "pw")
	box := ts.store.Open(uid)
	for i := 0; i < 2; i++ {
		if err := box.Deliver(context.Background(), "dave", "hi"); err != nil {
			t.Fatal(err)
		}
	}

	c := ts.dial(t)
	c.send("connect carol pw")
	c.expect("You have 2 message(s) in your mailbox.")
}

func TestServer_MailCommands(t *testing.T) {
	ts := newTestServer(t)
	ts.createAccount(t, "erin", "pw")
	ts.createAccount(t, "frank", "pw")

	erin := ts.dial(t)
	erin.send("connect erin pw")
	erin.expect("be nice")

	erin.send("/mail send frank see you at the arena")
	erin.expect("Your mail has been sent successfully.")
	erin.send("/mail send nobody hi")
	erin.expect("ERROR: Receiver UNKNOWN!")

	frank := ts.dial(t)
	frank.send("connect frank pw")
	frank.expect("You have 1 message(s) in your mailbox.")

	frank.send("/mail")
	lines := frank.expect("00")
	if !strings.Contains(lines[len(lines)-1], "erin") {
		t.Errorf("列表行 = %q", lines[len(lines)-1])
	}

	frank.send("/MAIL r 0")
	frank.expect("Message #0 from erin")
	if body, _ := frank.readLine(); body != "see you at the arena" {
		t.Errorf("正文 = %q", body)
	}

	frank.send("/mail\tread\t0")
	frank.expect("Message #0 from erin")
	frank.readLine()

	frank.send("/mail del all")
	frank.expect("Successfully deleted messages.")
	frank.send("/mail")
	frank.expect("You have no mail.")

	frank.send("/dance")
	frank.expect("ERROR: Unknown command.")
}

func TestServer_MailDisabled(t *testing.T) {
	ts := newTestServer(t)
	ts.createAccount(t, "gina", "pw")
	ts.mail.Reload(false, ts.mail.Policy())

	c := ts.dial(t)
	c.send("connect gina pw")
	c.expect("be nice")
	c.send("/mail")
	c.expect("ERROR: This server has NO mail support.")
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestServer_TLS(t *testing.T) {
	ts := newTestServer(t)
	exporter := metrics.NewExporter()

	srv := NewServer(&Config{
		Accounts: ts.accounts,
		Mail:     ts.mail,
		Metrics:  exporter,
	})
	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{selfSigned(t)},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv.Serve(l)
	defer srv.Stop(context.Background())

	// #nosec G402 -- 测试用自签名证书
	conn, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c := &client{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect("Welcome.")

	families, err := exporter.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var handshakes float64
	for _, mf := range families {
		if mf.GetName() == "gamemail_tls_handshakes_total" {
			handshakes = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if handshakes != 1 {
		t.Errorf("TLS 握手计数 = %v, want 1", handshakes)
	}
}
