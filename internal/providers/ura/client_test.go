package ura

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsight/propsight-backend/internal/adapter"
	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	m.Run()
}

// fakeClock advances only when told to, so token TTL behavior is deterministic
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *fakeClock) Sleep(d time.Duration)                  { c.now = c.now.Add(d) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time); return ch }

// fakeHTTPClient returns canned responses per URL substring and counts calls
type fakeHTTPClient struct {
	responses map[string]func() ([]byte, error)
	calls     map[string]int
}

func newFakeHTTPClient() *fakeHTTPClient {
	return &fakeHTTPClient{
		responses: make(map[string]func() ([]byte, error)),
		calls:     make(map[string]int),
	}
}

func (f *fakeHTTPClient) on(substr string, fn func() ([]byte, error)) {
	f.responses[substr] = fn
}

func (f *fakeHTTPClient) GetRaw(_ context.Context, url string, _ map[string]string) ([]byte, error) {
	for substr, fn := range f.responses {
		if strings.Contains(url, substr) {
			f.calls[substr]++
			return fn()
		}
	}
	return nil, fmt.Errorf("no canned response for %s", url)
}

func (f *fakeHTTPClient) Get(ctx context.Context, url string, headers map[string]string, result interface{}) error {
	return errors.New("not used")
}

func testConfig() Config {
	return Config{
		BaseURL:   "https://example.test/uraDataService",
		AccessKey: "test-access-key",
		TokenTTL:  24 * time.Hour,
		// Pacing would slow the tests down to the real request ceiling
		RequestsPerMinute: 100000,
		BatchCount:        4,
	}
}

func tokenOK(token string) func() ([]byte, error) {
	return func() ([]byte, error) {
		return []byte(fmt.Sprintf(`{"Status":"Success","Result":"%s"}`, token)), nil
	}
}

func batchOK(projects string) func() ([]byte, error) {
	return func() ([]byte, error) {
		return []byte(fmt.Sprintf(`{"Status":"Success","Result":%s}`, projects)), nil
	}
}

func TestGetTokenCachesWithinTTL(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", tokenOK("tok-1"))
	clock := &fakeClock{now: time.Date(2026, time.August, 30, 8, 0, 0, 0, time.UTC)}

	client := NewClient(testConfig(), httpClient, clock)

	tok, err := client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// Second call inside the validity window must not hit the endpoint
	clock.now = clock.now.Add(12 * time.Hour)
	tok, err = client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, httpClient.calls["insertNewToken"])
}

func TestGetTokenRefreshesAfterTTL(t *testing.T) {
	httpClient := newFakeHTTPClient()
	issued := 0
	httpClient.on("insertNewToken", func() ([]byte, error) {
		issued++
		return []byte(fmt.Sprintf(`{"Status":"Success","Result":"tok-%d"}`, issued)), nil
	})
	clock := &fakeClock{now: time.Date(2026, time.August, 30, 8, 0, 0, 0, time.UTC)}

	client := NewClient(testConfig(), httpClient, clock)

	tok, err := client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// The safety margin expires the cache slightly before the nominal TTL
	clock.now = clock.now.Add(24*time.Hour - time.Minute)
	tok, err = client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, httpClient.calls["insertNewToken"])
}

func TestGetTokenCredentialRejectionIsFatalAndClearsCache(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", func() ([]byte, error) {
		return nil, &adapter.StatusError{StatusCode: http.StatusUnauthorized, Body: "bad key"}
	})
	clock := &fakeClock{now: time.Now()}

	client := NewClient(testConfig(), httpClient, clock)

	_, err := client.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTokenError(err))
	assert.False(t, domain.IsTransient(err))
}

func TestGetTokenNetworkFailureIsTransient(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", func() ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

	_, err := client.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestGetTokenRejectedEnvelope(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", func() ([]byte, error) {
		return []byte(`{"Status":"Error","Message":"invalid access key"}`), nil
	})

	client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

	_, err := client.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTokenError(err))
}

func TestFetchBatchHappyPath(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", tokenOK("tok"))
	httpClient.on("invokeUraDS", batchOK(`[{"project":"THE CONTINUUM","street":"THIAM SIEW AVENUE","transaction":[{"contractDate":"0625","price":"1500000","area":"85","typeOfSale":"3","district":"15","unexpectedField":"kept"}]}]`))

	client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

	projects, err := client.FetchBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "THE CONTINUUM", projects[0].Project)
	require.Len(t, projects[0].Transactions, 1)

	// Schema drift lands in Extras instead of being silently dropped
	entry := projects[0].Transactions[0]
	assert.Equal(t, "0625", entry.ContractDate)
	assert.Equal(t, "kept", entry.Extras["unexpectedField"])
	assert.NotContains(t, entry.Extras, "contractDate")
}

func TestFetchBatchOutOfRange(t *testing.T) {
	client := NewClient(testConfig(), newFakeHTTPClient(), &fakeClock{now: time.Now()})

	for _, batch := range []int{0, 5, -1} {
		_, err := client.FetchBatch(context.Background(), batch)
		assert.True(t, domain.IsDataError(err), "batch %d", batch)
	}
}

func TestFetchBatchErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		isToken   bool
		isData    bool
		transient bool
	}{
		{
			name:    "401 mid-run is a token error",
			err:     &adapter.StatusError{StatusCode: http.StatusUnauthorized, Body: "expired"},
			isToken: true,
		},
		{
			name:   "other 4xx aborts only the batch",
			err:    &adapter.StatusError{StatusCode: http.StatusBadRequest, Body: "bad batch"},
			isData: true,
		},
		{
			name:      "5xx after exhausted retries is transient",
			err:       &adapter.StatusError{StatusCode: http.StatusBadGateway, Body: "upstream"},
			transient: true,
		},
		{
			name:      "network failure is transient",
			err:       errors.New("connection reset"),
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpClient := newFakeHTTPClient()
			httpClient.on("insertNewToken", tokenOK("tok"))
			httpClient.on("invokeUraDS", func() ([]byte, error) { return nil, tt.err })

			client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

			_, err := client.FetchBatch(context.Background(), 2)
			require.Error(t, err)
			assert.Equal(t, tt.isToken, domain.IsTokenError(err))
			assert.Equal(t, tt.isData, domain.IsDataError(err))
			assert.Equal(t, tt.transient, domain.IsTransient(err))
		})
	}
}

func TestFetchBatchMalformedPayloadIsDataError(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", tokenOK("tok"))
	httpClient.on("invokeUraDS", func() ([]byte, error) {
		return []byte(`{"Status":"Success","Result":"not an array"`), nil
	})

	client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

	_, err := client.FetchBatch(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, domain.IsDataError(err))
}

func TestFetchAllBatchesContinuesPastFailures(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", tokenOK("tok"))
	httpClient.on("batch=2", func() ([]byte, error) {
		return nil, errors.New("connection reset")
	})
	for _, b := range []string{"batch=1", "batch=3", "batch=4"} {
		httpClient.on(b, batchOK(`[{"project":"P","transaction":[]}]`))
	}

	client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

	var visited []int
	var failed []int
	client.FetchAllBatches(context.Background(), func(batch int, projects []RawProject, err error) bool {
		visited = append(visited, batch)
		if err != nil {
			failed = append(failed, batch)
		}
		return true
	})

	assert.Equal(t, []int{1, 2, 3, 4}, visited)
	assert.Equal(t, []int{2}, failed)
}

func TestFetchAllBatchesStopsWhenConsumerSaysSo(t *testing.T) {
	httpClient := newFakeHTTPClient()
	httpClient.on("insertNewToken", tokenOK("tok"))
	httpClient.on("invokeUraDS", batchOK(`[]`))

	client := NewClient(testConfig(), httpClient, &fakeClock{now: time.Now()})

	var visited []int
	client.FetchAllBatches(context.Background(), func(batch int, projects []RawProject, err error) bool {
		visited = append(visited, batch)
		return batch < 2
	})

	assert.Equal(t, []int{1, 2}, visited)
}
