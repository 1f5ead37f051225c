package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testBorrower = common.HexToAddress("0x00000000000000000000000000000000000000d1")

func TestPullSignsAndPosts(t *testing.T) {
	secret := []byte("settlement-secret")
	var gotPath, gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSignature = r.Header.Get("X-Pool-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(server.URL, secret)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Pull(testBorrower, big.NewInt(1234)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if gotPath != "/transfers/pull" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	var req transferRequest
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Address != testBorrower.Hex() || req.Amount != "1234" {
		t.Fatalf("unexpected request %+v", req)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSignature, want)
	}
}

func TestTermsRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/receivables/loan-9" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(termsResponse{
			Principal:       "2000000000000000000",
			Repayment:       "2200000000000000000",
			CollateralValue: "4000000000000000000",
			Maturity:        1_700_000_000,
			DurationTotal:   2_592_000,
			Collateral:      "invoice",
			Borrower:        testBorrower.Hex(),
		})
	}))
	defer server.Close()

	client, err := New(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	terms, err := client.Terms("loan-9")
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	if terms.Principal.String() != "2000000000000000000" {
		t.Fatalf("principal: %s", terms.Principal)
	}
	if terms.Borrower != testBorrower {
		t.Fatalf("borrower: %s", terms.Borrower.Hex())
	}
	if terms.Collateral != "invoice" || terms.DurationTotal != 2_592_000 {
		t.Fatalf("terms: %+v", terms)
	}
}

func TestStatusPredicates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusResponse{Repaid: true, Expired: false, Liquidated: true})
	}))
	defer server.Close()

	client, err := New(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	repaid, err := client.IsRepaid("loan-9")
	if err != nil || !repaid {
		t.Fatalf("is repaid: %v, %v", repaid, err)
	}
	expired, err := client.IsExpired("loan-9")
	if err != nil || expired {
		t.Fatalf("is expired: %v, %v", expired, err)
	}
	liquidated, err := client.IsLiquidated("loan-9")
	if err != nil || !liquidated {
		t.Fatalf("is liquidated: %v, %v", liquidated, err)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient balance", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, err := New(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Pull(testBorrower, big.NewInt(1))
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "422") || !strings.Contains(got, "insufficient balance") {
		t.Fatalf("error should carry status and body, got %q", got)
	}
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New("", []byte("secret")); err == nil {
		t.Fatalf("empty base url accepted")
	}
	if _, err := New("http://localhost", nil); err == nil {
		t.Fatalf("empty secret accepted")
	}
}
