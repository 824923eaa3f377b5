package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildHTTPClientInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := buildHTTPClient(true, "", false, "", false, false)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	strict, err := buildHTTPClient(false, "", false, "", false, false)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := strict.Get(srv.URL); err == nil {
		t.Fatalf("expected certificate error without --insecure")
	}
}

func TestBuildHTTPClientProxyBypass(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:9")
	t.Setenv("HTTPS_PROXY", "http://127.0.0.1:9")

	client, err := buildHTTPClient(false, "", false, "", false, false)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if client.Transport.(*http.Transport).Proxy == nil {
		t.Fatalf("expected proxy function when noproxy=false")
	}

	client, err = buildHTTPClient(false, "", false, "", true, false)
	if err != nil {
		t.Fatalf("client noproxy: %v", err)
	}
	if client.Transport.(*http.Transport).Proxy != nil {
		t.Fatalf("expected proxy disabled when noproxy=true")
	}
}

func TestBuildHTTPClientDisableCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := r.Header.Get("Cookie"); c != "" {
			_, _ = w.Write([]byte(c))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	get := func(c *http.Client) string {
		t.Helper()
		resp, err := c.Get(srv.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	client, err := buildHTTPClient(false, "", false, "", false, false)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	get(client)
	if got := get(client); got != "sid=abc" {
		t.Fatalf("expected cookie echoed back, got %q", got)
	}

	client, err = buildHTTPClient(false, "", false, "", false, true)
	if err != nil {
		t.Fatalf("client disable: %v", err)
	}
	get(client)
	if got := get(client); got != "" {
		t.Fatalf("expected no cookie when disabled, got %q", got)
	}
}

func TestBuildHTTPClientRejectsBadCACert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := buildHTTPClient(false, path, true, "", false, false); err == nil {
		t.Fatalf("expected error for invalid CA bundle")
	}
}

func TestParseClientCertConfig(t *testing.T) {
	cfgPath := filepath.Join("/etc", "bruci", "certs.json")

	cert, key, err := parseClientCertConfig(cfgPath, []byte(`{"cert":"client.crt","key":"/abs/client.key"}`))
	if err != nil {
		t.Fatalf("simple config: %v", err)
	}
	if cert != filepath.Join("/etc", "bruci", "client.crt") || key != "/abs/client.key" {
		t.Fatalf("unexpected paths %q %q", cert, key)
	}

	cert, key, err = parseClientCertConfig(cfgPath, []byte(`{"enabled":true,"certs":[
		{"domain":"a","type":"pfx","pfxFilePath":"a.pfx"},
		{"domain":"b","type":"cert","certFilePath":"b.crt","keyFilePath":"b.key"}]}`))
	if err != nil {
		t.Fatalf("bruno config: %v", err)
	}
	if filepath.Base(cert) != "b.crt" || filepath.Base(key) != "b.key" {
		t.Fatalf("unexpected paths %q %q", cert, key)
	}

	if _, _, err := parseClientCertConfig(cfgPath, []byte(`{}`)); err == nil {
		t.Fatalf("expected error without cert/key")
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"a=1", " b =x=y", "c="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if vars["a"] != "1" || vars["b"] != "x=y" || vars["c"] != "" {
		t.Fatalf("unexpected vars %v", vars)
	}
	if _, err := parseVars([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}
