package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/auth"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	"github.com/golang-jwt/jwt/v5"
)

const jsonContentType = "application/json"

func TestProviderCookieSessionFlow(testContext *testing.T) {
	fixture := newAPIFixture(testContext)
	now := time.Now()

	aliceCookie := &http.Cookie{
		Name:  testCookieName,
		Value: mustMintSessionToken(testContext, "google:1001", "Alice@Example.com", "Alice", now),
	}
	bobCookie := &http.Cookie{
		Name:  testCookieName,
		Value: mustMintSessionToken(testContext, "google:2002", "bob@example.com", "Bob", now),
	}

	alice := fetchProfile(testContext, fixture, aliceCookie)
	bob := fetchProfile(testContext, fixture, bobCookie)
	if alice.ID != "1001" || alice.Email != "alice@example.com" || alice.DisplayName != "Alice" {
		testContext.Fatalf("unexpected canonical profile %#v", alice)
	}

	addBody, _ := json.Marshal(addContactPayload{Identifier: "BOB@example.com"})
	addReq, _ := http.NewRequest(http.MethodPost, fixture.server.URL+"/contacts", bytes.NewReader(addBody))
	addReq.AddCookie(aliceCookie)
	addReq.Header.Set("Content-Type", jsonContentType)
	addResp, err := http.DefaultClient.Do(addReq)
	if err != nil {
		testContext.Fatalf("add contact request failed: %v", err)
	}
	defer addResp.Body.Close()
	if addResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected add contact status: %d", addResp.StatusCode)
	}
	var added contacts.Contact
	if err := json.NewDecoder(addResp.Body).Decode(&added); err != nil {
		testContext.Fatalf("failed to decode contact: %v", err)
	}
	if added.ID != bob.ID || added.DisplayName != "Bob" {
		testContext.Fatalf("expected bob to be resolved by email, got %#v", added)
	}

	listReq, _ := http.NewRequest(http.MethodGet, fixture.server.URL+"/contacts", nil)
	listReq.AddCookie(bobCookie)
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		testContext.Fatalf("list request failed: %v", err)
	}
	defer listResp.Body.Close()
	var listPayload struct {
		Contacts []contacts.Contact `json:"contacts"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listPayload); err != nil {
		testContext.Fatalf("failed to decode contacts: %v", err)
	}
	foundAlice := false
	foundAssistant := false
	for _, contact := range listPayload.Contacts {
		switch contact.ID {
		case alice.ID:
			foundAlice = true
		case contacts.AssistantID:
			foundAssistant = true
		}
	}
	if !foundAlice || !foundAssistant {
		testContext.Fatalf("expected a symmetric edge plus the assistant peer, got %#v", listPayload.Contacts)
	}

	expiredCookie := &http.Cookie{
		Name:  testCookieName,
		Value: mustMintSessionToken(testContext, "google:1001", "alice@example.com", "Alice", now.Add(-2*time.Hour)),
	}
	expiredReq, _ := http.NewRequest(http.MethodGet, fixture.server.URL+"/me", nil)
	expiredReq.AddCookie(expiredCookie)
	expiredResp, err := http.DefaultClient.Do(expiredReq)
	if err != nil {
		testContext.Fatalf("expired request failed: %v", err)
	}
	defer expiredResp.Body.Close()
	if expiredResp.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected expired session to be rejected, got %d", expiredResp.StatusCode)
	}
}

func fetchProfile(testContext *testing.T, fixture apiFixture, cookie *http.Cookie) users.Profile {
	testContext.Helper()
	request, _ := http.NewRequest(http.MethodGet, fixture.server.URL+"/me", nil)
	request.AddCookie(cookie)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("me request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected me status: %d", response.StatusCode)
	}
	var profile users.Profile
	if err := json.NewDecoder(response.Body).Decode(&profile); err != nil {
		testContext.Fatalf("failed to decode profile: %v", err)
	}
	return profile
}

func mustMintSessionToken(testContext *testing.T, userID, email, displayName string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserEmail:       email,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

func TestProviderSessionCannotClaimReservedPeers(testContext *testing.T) {
	fixture := newAPIFixture(testContext)
	for _, userID := range []string{"google:bavard-assistant", "x:bavard-broadcast"} {
		request, _ := http.NewRequest(http.MethodGet, fixture.server.URL+"/conversations/alice/messages", nil)
		request.AddCookie(&http.Cookie{
			Name:  testCookieName,
			Value: mustMintSessionToken(testContext, userID, "", "Impostor", time.Now()),
		})
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			testContext.Fatalf("request failed: %v", err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusUnauthorized {
			testContext.Fatalf("expected %s to be rejected, got %d", userID, response.StatusCode)
		}
	}
}
