package auth_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hussein-Mazeh/credvault/auth"
)

func hashParts(pw string) (prefix, suffix string) {
	sum := sha1.Sum([]byte(pw))
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	return h[:5], h[5:]
}

func rangeServer(t *testing.T, listed map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Add-Padding") != "true" {
			t.Errorf("expected padding header")
		}
		prefix := strings.TrimPrefix(r.URL.Path, "/range/")
		if len(prefix) != 5 {
			http.Error(w, "bad prefix", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "0000000000000000000000000000000000A:0")
		for pw, count := range listed {
			p, s := hashParts(pw)
			if p == prefix {
				fmt.Fprintf(w, "%s:%d\r\n", strings.ToLower(s), count)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBreachCheckerFindsListedPassword(t *testing.T) {
	srv := rangeServer(t, map[string]int{"password": 42})
	c := &auth.BreachChecker{BaseURL: srv.URL + "/range/", Client: srv.Client()}

	res, err := c.Check(context.Background(), "password")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Found || res.Count != 42 {
		t.Fatalf("expected a hit with count 42, got %+v", res)
	}
	if err := c.RejectBreached(context.Background(), "password"); !errors.Is(err, auth.ErrBreached) {
		t.Fatalf("expected ErrBreached, got %v", err)
	}
}

func TestBreachCheckerMiss(t *testing.T) {
	srv := rangeServer(t, map[string]int{"password": 42})
	c := &auth.BreachChecker{BaseURL: srv.URL + "/range/", Client: srv.Client()}

	if err := c.RejectBreached(context.Background(), "Tangerine-Otter-Violin-42!"); err != nil {
		t.Fatalf("expected no breach, got %v", err)
	}
}

func TestBreachCheckerReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := &auth.BreachChecker{BaseURL: srv.URL + "/", Client: srv.Client()}

	err := c.RejectBreached(context.Background(), "anything")
	if err == nil || errors.Is(err, auth.ErrBreached) {
		t.Fatalf("expected a lookup error, got %v", err)
	}
}
