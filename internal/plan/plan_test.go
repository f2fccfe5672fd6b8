package plan

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/odatatest"
	"github.com/pitabwire/odatabatch/model"
)

const peoplePlan = `
destination: erp
service: /sap/opu/odata/sap/API_PEOPLE
headers:
  Sap-Client: "100"
items:
  - read: People
    query: $top=2
  - read: People
    key: 42
  - read: Assignments
    key:
      PersonID: 7
      Project: alpha
  - function: GetTotals
    parameters:
      Year: 2024
      Region: EMEA
  - changeset:
      - create: People
        body:
          Name: Ann
      - update: People
        key: 1
        strategy: merge
        etag: W/"3"
        body:
          Name: Bob
      - delete: People
        key: 2
      - function: Approve
        parameters:
          ID: 9
`

func encode(t *testing.T, p *Plan) string {
	t.Helper()
	req, err := p.Request()
	require.NoError(t, err)
	enc, err := batch.Encode(req)
	require.NoError(t, err)
	return string(enc.Body)
}

func TestParse_yaml(t *testing.T) {
	p, err := Parse([]byte(peoplePlan))
	require.NoError(t, err)

	assert.Equal(t, "erp", p.Destination)
	require.Len(t, p.Items, 5)
	assert.Len(t, p.Items[4].ChangeSet, 4)

	req, err := p.Request()
	require.NoError(t, err)
	assert.Equal(t, 5, req.Len())
	assert.Equal(t, 1, req.ChangeSetCount())
	assert.True(t, req.CsrfEnabled())
	assert.Equal(t, "100", req.Header().Get("Sap-Client"))

	body := encode(t, p)
	assert.Contains(t, body, "GET People?$top=2 HTTP/1.1")
	assert.Contains(t, body, "GET People(42) HTTP/1.1")
	assert.Contains(t, body, "GET Assignments(PersonID=7,Project='alpha') HTTP/1.1")
	assert.Contains(t, body, "GET GetTotals?Year=2024&Region='EMEA' HTTP/1.1")
	assert.Contains(t, body, "POST People HTTP/1.1")
	assert.Contains(t, body, "MERGE People(1) HTTP/1.1")
	assert.Contains(t, body, `If-Match: W/"3"`)
	assert.Contains(t, body, "DELETE People(2) HTTP/1.1")
	assert.Contains(t, body, "POST Approve?ID=9 HTTP/1.1")
}

func TestParse_keepsKeyOrder(t *testing.T) {
	p, err := Parse([]byte(`
service: svc
items:
  - read: Lines
    key: {Order: 5, Item: 10, Schedule: 1}
`))
	require.NoError(t, err)
	assert.Equal(t, "(Order=5,Item=10,Schedule=1)", p.Items[0].Key.Key().String())

	p, err = Parse([]byte(`
service: svc
items:
  - read: Lines
    key: {Schedule: 1, Item: 10, Order: 5}
`))
	require.NoError(t, err)
	assert.Equal(t, "(Schedule=1,Item=10,Order=5)", p.Items[0].Key.Key().String())
}

func TestParse_json(t *testing.T) {
	p, err := Parse([]byte(`{
  "service": "/svc",
  "csrf": false,
  "items": [
    {"read": "People", "key": {"B": "x", "A": 1}},
    {"changeset": [{"create": "People", "body": {"Name": "Ann"}}]}
  ]
}`))
	require.NoError(t, err)

	req, err := p.Request()
	require.NoError(t, err)
	assert.False(t, req.CsrfEnabled())
	assert.Contains(t, encode(t, p), "GET People(B='x',A=1) HTTP/1.1")
}

func TestParse_invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing service", "items: []", "service is required"},
		{"two kinds", "service: s\nitems:\n  - read: A\n    function: F", "items[0]: exactly one of"},
		{"no kind", "service: s\nitems:\n  - query: $top=1", "items[0]: exactly one of"},
		{"empty changeset", "service: s\nitems:\n  - changeset: []", "changeset must not be empty"},
		{"update without key", "service: s\nitems:\n  - changeset:\n      - update: A", "items[0].changeset[0]: key is required"},
		{"two changes", "service: s\nitems:\n  - changeset:\n      - create: A\n        delete: B\n        key: 1", "exactly one of create"},
		{"sequence key", "service: s\nitems:\n  - read: A\n    key: [1, 2]", "expected a scalar or a mapping"},
		{"not yaml", "service: [", "parse plan"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, model.IsCode(err, model.ErrInvalidArgument), "code of %v", err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParse_reportsAllProblems(t *testing.T) {
	_, err := Parse([]byte("items:\n  - {}\n  - changeset: []"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service is required")
	assert.Contains(t, err.Error(), "items[0]")
	assert.Contains(t, err.Error(), "items[1]")
}

func TestRequest_illegalFunctionPlacement(t *testing.T) {
	p, err := Parse([]byte(`
service: svc
items:
  - function: Approve
    method: POST
`))
	require.NoError(t, err)

	_, err = p.Request()
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrIllegalState))

	p, err = Parse([]byte(`
service: svc
items:
  - changeset:
      - function: GetTotals
        method: GET
`))
	require.NoError(t, err)
	_, err = p.Request()
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrIllegalState))
}

func TestRequest_unsupportedStrategy(t *testing.T) {
	p, err := Parse([]byte(`
service: svc
items:
  - changeset:
      - update: People
        key: 1
        strategy: upsert
`))
	require.NoError(t, err)
	_, err = p.Request()
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.yaml")
	require.NoError(t, os.WriteFile(path, []byte(peoplePlan), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/sap/opu/odata/sap/API_PEOPLE", p.Service)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestPlan_executesAgainstService(t *testing.T) {
	svc := odatatest.NewService(t, "/sap/opu/odata/sap/API_PEOPLE")

	p, err := Parse([]byte(peoplePlan))
	require.NoError(t, err)
	req, err := p.Request()
	require.NoError(t, err)

	resp, err := batch.NewClient().Execute(context.Background(), svc.Destination("erp"), req)
	require.NoError(t, err)

	items := resp.Items()
	require.Len(t, items, 5)
	for _, it := range items {
		assert.NoError(t, it.Err, "item %s %s", it.Kind, it.Target)
	}
	assert.Equal(t, "GET", items[1].Result.Field("method").String())
	assert.Equal(t, "People(42)", items[1].Result.Field("target").String())

	outcome := resp.Get(0)
	require.True(t, outcome.IsSuccess())
	require.Len(t, outcome.Results(), 4)
	assert.Equal(t, "Ann", outcome.Results()[0].Field("Name").String())

	svc.AssertCalled(t, http.MethodHead, 1)
	assert.Equal(t, "100", svc.LastBatch().Headers.Get("Sap-Client"))
}
