package smtpwire

import "testing"

func TestStripSourceRoute(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<@one.example,@two.example:foo@bar.example>", "foo@bar.example"},
		{"quux@example.net", "quux@example.net"},
		{"<Postmaster>", "Postmaster"},
		{"poStmaster", "poStmaster"},
		{"<foo@bar.baz>", "foo@bar.baz"},
	}
	for _, c := range cases {
		got, err := StripSourceRoute(c.in)
		if err != nil {
			t.Errorf("StripSourceRoute(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("StripSourceRoute(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseRcptTo(t *testing.T) {
	path, params, err := ParseRcptTo("TO:<@one.example,@two.example:foo@bar.example> NOTIFY=FAILURE")
	if err != nil {
		t.Fatal(err)
	}
	if path != "foo@bar.example" {
		t.Fatalf("path = %q", path)
	}
	if params["NOTIFY"] != "FAILURE" {
		t.Fatalf("params = %v", params)
	}
}

func TestParseMailFromNullSender(t *testing.T) {
	path, _, err := ParseMailFrom("FROM:<> SIZE=1024")
	if err != nil {
		t.Fatal(err)
	}
	if path != "" {
		t.Fatalf("expected empty reverse-path for a bounce, got %q", path)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("mail FROM:<a@b.example>\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Verb != "MAIL" {
		t.Fatalf("verb = %q", cmd.Verb)
	}
	if cmd.Args != "FROM:<a@b.example>" {
		t.Fatalf("args = %q", cmd.Args)
	}
}

func TestTransactionToMailMetadata(t *testing.T) {
	var txn Transaction

	from, _, err := ParseMailFrom("FROM:<Alice@Example.COM>")
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.SetFrom(from); err != nil {
		t.Fatal(err)
	}

	rcpt, _, err := ParseRcptTo("TO:<@relay.example:Bob@Example.NET>")
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.AddRecipient(rcpt); err != nil {
		t.Fatal(err)
	}

	meta := txn.ToMailMetadata()
	if meta.From != "alice@example.com" {
		t.Fatalf("From = %q, want normalized lowercase address", meta.From)
	}
	if len(meta.To) != 1 || meta.To[0] != "bob@example.net" {
		t.Fatalf("To = %v, want [bob@example.net]", meta.To)
	}
}

func TestTransactionRejectsInvalidAddress(t *testing.T) {
	var txn Transaction
	if err := txn.AddRecipient("not-an-address"); err == nil {
		t.Fatal("expected AddRecipient to reject a mailbox-less path")
	}
}

func TestTransactionNullReversePath(t *testing.T) {
	var txn Transaction
	from, _, err := ParseMailFrom("FROM:<>")
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.SetFrom(from); err != nil {
		t.Fatal(err)
	}
	if txn.ToMailMetadata().From != "" {
		t.Fatalf("expected null reverse-path to stay empty, got %q", txn.ToMailMetadata().From)
	}
}

func TestReplyLineRoundTrip(t *testing.T) {
	out, err := WriteReply(250, []string{"mail.example.com at your service", "PIPELINING", "8BITMIME"})
	if err != nil {
		t.Fatal(err)
	}

	want := "250-mail.example.com at your service\r\n250-PIPELINING\r\n250 8BITMIME\r\n"
	if out != want {
		t.Fatalf("WriteReply output mismatch:\ngot:  %q\nwant: %q", out, want)
	}

	code, text, final, err := ParseReplyLine("250-mail.example.com at your service")
	if err != nil {
		t.Fatal(err)
	}
	if code != 250 || text != "mail.example.com at your service" || final {
		t.Fatalf("unexpected parse: code=%d text=%q final=%v", code, text, final)
	}

	code, text, final, err = ParseReplyLine("250 8BITMIME")
	if err != nil {
		t.Fatal(err)
	}
	if code != 250 || text != "8BITMIME" || !final {
		t.Fatalf("unexpected parse: code=%d text=%q final=%v", code, text, final)
	}
}
