package backend

import "testing"

func TestMysqlNativePasswordHashEmptyPassword(t *testing.T) {
	got := mysqlNativePasswordHash(nil, []byte("12345678901234567890"))
	if len(got) != 0 {
		t.Errorf("expected empty hash for empty password, got %d bytes", len(got))
	}
}

func TestMysqlNativePasswordHashDeterministic(t *testing.T) {
	authData := []byte("01234567890123456789")
	h1 := mysqlNativePasswordHash([]byte("secret"), authData)
	h2 := mysqlNativePasswordHash([]byte("secret"), authData)
	if len(h1) != 20 {
		t.Fatalf("expected 20-byte SHA-1 hash, got %d", len(h1))
	}
	for i := range h1 {
		if h1[i] != h2[i] {
			t.Fatalf("hash not deterministic at byte %d", i)
			break
		}
	}
}

func TestMysqlNativePasswordHashDiffersByAuthData(t *testing.T) {
	h1 := mysqlNativePasswordHash([]byte("secret"), []byte("aaaaaaaaaaaaaaaaaaaa"))
	h2 := mysqlNativePasswordHash([]byte("secret"), []byte("bbbbbbbbbbbbbbbbbbbb"))
	equal := true
	for i := range h1 {
		if h1[i] != h2[i] {
			equal = false
			break
		}
	}
	if equal {
		t.Error("expected hash to depend on the auth challenge")
	}
}

func TestBuildHandshakeResponse41Fields(t *testing.T) {
	resp := buildHandshakeResponse41(0x0200, "appuser", []byte{1, 2, 3}, "mydb")
	if len(resp) == 0 {
		t.Fatal("expected non-empty response")
	}
	// capability flags (4) + max packet (4) + charset(1) + reserved(23) = 32 bytes header
	if string(resp[32:32+len("appuser")]) != "appuser" {
		t.Errorf("expected username appuser at offset 32, got %q", resp[32:32+len("appuser")])
	}
}

func TestAuthResponseForUnknownPluginIsEmpty(t *testing.T) {
	got := authResponseFor("some_unknown_plugin", "secret", []byte("challenge"))
	if len(got) != 0 {
		t.Errorf("expected empty response for unknown plugin, got %d bytes", len(got))
	}
}
