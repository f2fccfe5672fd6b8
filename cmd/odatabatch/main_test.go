package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/odatabatch/internal/gateway"
	"github.com/pitabwire/odatabatch/internal/odatatest"
)

const servicePath = "/sap/opu/odata/sap/API_PEOPLE"

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

const planYAML = `
service: /sap/opu/odata/sap/API_PEOPLE
items:
  - read: People
    query: $top=10
  - changeset:
      - create: People
        body: {Name: Ann}
      - delete: People
        key: 2
`

func TestRender(t *testing.T) {
	out, err := execute(t, "render", "--plan", writePlan(t, planYAML))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "POST "+servicePath+"/$batch\n"))
	assert.Contains(t, out, "Content-Type: multipart/mixed; boundary=batch_")
	assert.Contains(t, out, "GET People?$top=10 HTTP/1.1\r\n")
	assert.Contains(t, out, "DELETE People(2) HTTP/1.1\r\n")
}

func TestRender_invalidPlan(t *testing.T) {
	_, err := execute(t, "render", "--plan", writePlan(t, "items: []"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service is required")
}

func TestRun_json(t *testing.T) {
	svc := odatatest.NewService(t, servicePath)

	out, err := execute(t, "run", "--plan", writePlan(t, planYAML), "--url", svc.URL(), "--output", "json")
	require.NoError(t, err)

	var outcomes []gateway.ItemOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success)
	assert.True(t, outcomes[1].Success)
	assert.Len(t, outcomes[1].Results, 2)
	svc.AssertCalled(t, http.MethodHead, 1)
}

func TestRun_table(t *testing.T) {
	svc := odatatest.NewService(t, servicePath)

	out, err := execute(t, "run", "--plan", writePlan(t, planYAML), "--url", svc.URL())
	require.NoError(t, err)
	assert.Contains(t, out, "People?$top=10")
	assert.Contains(t, out, "changeset")
}

func TestRun_failedItemExitsOne(t *testing.T) {
	svc := odatatest.NewService(t, servicePath)
	svc.RespondWith(odatatest.NewResponse().
		Part(odatatest.JSON(200, `{"d":{"results":[]}}`)).
		ChangeSet(odatatest.ServiceError(400, "PEOPLE/001", "name missing")))

	_, err := execute(t, "run", "--plan", writePlan(t, planYAML), "--url", svc.URL(), "-o", "json")
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.code)
}

func TestRun_destinationFromConfig(t *testing.T) {
	svc := odatatest.NewService(t, servicePath).WithoutTokens()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
destinations:
  erp:
    url: `+svc.URL()+`
    headers:
      Sap-Client: "100"
`), 0o600))

	_, err := execute(t, "run", "--config", cfgPath, "--plan", writePlan(t, "destination: erp\n"+planYAML), "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "100", svc.LastBatch().Headers.Get("Sap-Client"))
}

func TestRun_noDestination(t *testing.T) {
	_, err := execute(t, "run", "--plan", writePlan(t, planYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no destination")
}

func TestRun_exitCodes(t *testing.T) {
	assert.Equal(t, 1, run([]string{"render", "--plan", filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.Equal(t, 1, run([]string{"run", "--plan", writePlan(t, planYAML), "--output", "xml"}))
}
