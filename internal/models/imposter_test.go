package models

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	kinds []string
	errs  []error
}

func (o *recordingObserver) ObserveRequest(_ string, _ int, kind string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
	o.errs = append(o.errs, err)
}

func newTestImposter(t *testing.T, config *ImposterConfig, options ImposterOptions) *Imposter {
	t.Helper()
	logger := testLogger()
	if options.CSV == nil {
		options.CSV = NewCSVCache(logger)
		t.Cleanup(func() { _ = options.CSV.Close() })
	}
	imposter, err := NewImposter(config, logger, options)
	require.NoError(t, err)
	return imposter
}

func TestImposterCountsAndRecordsRequests(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{Protocol: "http", Port: 3000, RecordRequests: true}, ImposterOptions{})

	get(t, imposter, "/one")
	get(t, imposter, "/two")

	info := imposter.ToJSON(JSONOptions{Requests: true})
	require.NotNil(t, info.NumberOfRequests)
	assert.Equal(t, 2, *info.NumberOfRequests)
	require.Len(t, info.Requests, 2)
	assert.Equal(t, "/two", info.Requests[1].Path)
	assert.Equal(t, "/imposters/3000", info.Links["self"].(map[string]string)["href"])

	imposter.ResetRequests()
	info = imposter.ToJSON(JSONOptions{Requests: true})
	assert.Equal(t, 0, *info.NumberOfRequests)
	assert.Empty(t, info.Requests)
}

func TestImposterDryRunIsNotCounted(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{Protocol: "http", RecordRequests: true}, ImposterOptions{})

	_, err := imposter.GetResponseFor(context.Background(), &Request{Protocol: "http", Method: "GET", Path: "/", IsDryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 0, *imposter.ToJSON(JSONOptions{}).NumberOfRequests)
}

func TestImposterDefaultResponse(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{
		Protocol:        "http",
		DefaultResponse: &Response{StatusCode: 404, Body: "not here", Headers: map[string]interface{}{"X-Default": "yes"}},
		Stubs: []Stub{{
			Predicates: []Predicate{{Equals: map[string]interface{}{"path": "/known"}}},
			Responses:  []ResponseConfig{{Is: &Response{Body: "known"}}},
		}},
	}, ImposterOptions{})

	known := get(t, imposter, "/known")
	assert.Equal(t, 404, known.StatusCode)
	assert.Equal(t, "known", known.Body)
	assert.Equal(t, "yes", known.Headers["X-Default"])

	unknown := get(t, imposter, "/unknown")
	assert.Equal(t, 404, unknown.StatusCode)
	assert.Equal(t, "not here", unknown.Body)
}

func TestImposterBlocksDisallowedAddresses(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{Protocol: "http"}, ImposterOptions{
		IPVerifier: util.NewIPVerifier([]string{"127.0.0.1"}),
	})

	response, err := imposter.GetResponseFor(context.Background(), &Request{Protocol: "http", Method: "GET", Path: "/", IP: "10.1.2.3"})
	require.NoError(t, err)
	assert.True(t, response.Blocked)

	response, err = imposter.GetResponseFor(context.Background(), &Request{Protocol: "http", Method: "GET", Path: "/", IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.False(t, response.Blocked)
}

func TestImposterFaultResponse(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{
		Protocol: "http",
		Stubs:    []Stub{{Responses: []ResponseConfig{{Fault: "CONNECTION_RESET_BY_PEER"}}}},
	}, ImposterOptions{})

	assert.Equal(t, "CONNECTION_RESET_BY_PEER", get(t, imposter, "/").Fault)
}

func TestImposterInjectResponse(t *testing.T) {
	config := &ImposterConfig{
		Protocol: "http",
		Stubs: []Stub{{Responses: []ResponseConfig{{Inject: `function (config) {
			config.state.hits = (config.state.hits || 0) + 1;
			return { statusCode: 202, body: config.request.path + ' #' + config.state.hits };
		}`}}}},
	}

	t.Run("returned", func(t *testing.T) {
		imposter := newTestImposter(t, config, ImposterOptions{AllowInjection: true})
		first := get(t, imposter, "/x")
		assert.Equal(t, 202, first.StatusCode)
		assert.Equal(t, "/x #1", first.Body)
		assert.Equal(t, "/x #2", get(t, imposter, "/x").Body)
	})

	t.Run("callback", func(t *testing.T) {
		imposter := newTestImposter(t, &ImposterConfig{
			Protocol: "http",
			Stubs: []Stub{{Responses: []ResponseConfig{{Inject: `function (request, state, logger, callback) {
				callback({ body: 'async ' + request.method });
			}`}}}},
		}, ImposterOptions{AllowInjection: true})
		assert.Equal(t, "async GET", get(t, imposter, "/").Body)
	})

	t.Run("disabled", func(t *testing.T) {
		imposter := newTestImposter(t, config, ImposterOptions{})
		_, err := imposter.GetResponseFor(context.Background(), &Request{Protocol: "http", Method: "GET", Path: "/"})
		assert.Equal(t, util.InjectionError, util.CodeOf(err))
	})
}

func TestImposterReportsToObserver(t *testing.T) {
	observer := &recordingObserver{}
	imposter := newTestImposter(t, &ImposterConfig{
		Protocol: "http",
		Stubs:    []Stub{{Responses: []ResponseConfig{{Is: &Response{Body: "ok"}}}}},
	}, ImposterOptions{Observer: observer})

	get(t, imposter, "/")
	assert.Equal(t, []string{"is"}, observer.kinds)
	assert.Nil(t, observer.errs[0])
}

func TestImposterToJSONForTCP(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{Protocol: "tcp", Port: 4000}, ImposterOptions{})

	info := imposter.ToJSON(JSONOptions{Replayable: true})
	assert.Equal(t, ModeText, info.Mode)
	assert.Nil(t, info.NumberOfRequests)
	assert.NotNil(t, info.Stubs)
}

func TestImposterAttachAndStop(t *testing.T) {
	imposter := newTestImposter(t, &ImposterConfig{Protocol: "http"}, ImposterOptions{})
	require.NoError(t, imposter.Stop())

	closed := false
	imposter.Attach(5555, func(callback func()) error {
		closed = true
		callback()
		return nil
	})
	assert.Equal(t, 5555, imposter.Port())
	assert.Equal(t, 5555, imposter.Config().Port)

	require.NoError(t, imposter.Stop())
	assert.True(t, closed)
}

func TestNewImposterRejectsMalformedBehaviors(t *testing.T) {
	_, err := NewImposter(&ImposterConfig{
		Protocol: "http",
		Stubs: []Stub{{Responses: []ResponseConfig{{
			Is:        &Response{},
			Behaviors: map[string]interface{}{"copy": "not a list"},
		}}}},
	}, testLogger(), ImposterOptions{CSV: NewCSVCache(testLogger())})
	require.Error(t, err)
	assert.Equal(t, util.ValidationError, util.CodeOf(err))
}

func TestRepository(t *testing.T) {
	repository := NewImposterRepository(testLogger())
	first := newTestImposter(t, &ImposterConfig{Protocol: "http", Port: 5001}, ImposterOptions{})
	second := newTestImposter(t, &ImposterConfig{Protocol: "tcp", Port: 5000}, ImposterOptions{})

	require.NoError(t, repository.Add(first))
	require.NoError(t, repository.Add(second))
	assert.Equal(t, util.ResourceConflictError, util.CodeOf(repository.Add(first)))

	all := repository.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, 5000, all[0].Port())
	assert.True(t, repository.Exists(5001))

	found, err := repository.Get(5001)
	require.NoError(t, err)
	assert.Same(t, first, found)

	_, err = repository.Get(9999)
	assert.Equal(t, util.MissingResourceError, util.CodeOf(err))

	deleted, err := repository.Delete(5001)
	require.NoError(t, err)
	assert.Same(t, first, deleted)
	assert.False(t, repository.Exists(5001))

	assert.Len(t, repository.DeleteAll(), 1)
	assert.Empty(t, repository.GetAll())
}
