package batch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/odatabatch/internal/odatatest"
	"github.com/pitabwire/odatabatch/model"
)

func ok(body string) parsedPart {
	return parsedPart{result: &Result{StatusCode: http.StatusOK, Body: []byte(body)}}
}

func status(code int, body string) *Result {
	return &Result{StatusCode: code, Body: []byte(body)}
}

func TestCorrelate_mixedItems(t *testing.T) {
	read := ReadAll("People")
	create := Create("People", map[string]any{"Name": "A"})
	update := Update("People", SingleKey(1), map[string]any{"Name": "B"})
	fn := NewFunction("GetTotals", http.MethodGet)

	req := mustBuild(t, NewBuilder("svc").
		AddRead(read).
		AddChangeSet(create, update).
		AddFunction(fn))

	resp, extra := correlate(req, []parsedPart{
		ok(`{"d":{"results":[]}}`),
		{nested: []*Result{status(http.StatusCreated, `{"d":{"ID":5}}`), status(http.StatusNoContent, "")}},
		ok(`{"d":{"Total":3}}`),
	})
	assert.Zero(t, extra)
	assert.Equal(t, 3, resp.Len())
	assert.Equal(t, 1, resp.ChangeSetCount())

	res, err := resp.ReadResult(read)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = resp.FunctionResult(fn)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Field("Total").Int())

	outcome := resp.Get(0)
	require.True(t, outcome.IsSuccess())
	require.Len(t, outcome.Results(), 2)
	require.Len(t, outcome.CreatedEntities(), 1)
	assert.EqualValues(t, 5, outcome.CreatedEntities()[0].Field("ID").Int())

	res, err = resp.ChangeResult(update)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	items := resp.Items()
	assert.Equal(t, []string{"read", "changeset", "function"}, []string{items[0].Kind, items[1].Kind, items[2].Kind})
	assert.Equal(t, "People", items[0].Target)
	assert.Equal(t, "GetTotals", items[2].Target)
}

func TestCorrelate_partialFailureIsolation(t *testing.T) {
	a, b, c := ReadAll("A"), ReadAll("B"), ReadAll("C")
	req := mustBuild(t, NewBuilder("svc").AddRead(a, b, c))

	resp, _ := correlate(req, []parsedPart{
		ok(`{"d":{}}`),
		{result: status(http.StatusNotFound, `{"error":{"code":"NF","message":{"value":"no B"}}}`)},
		{err: model.NewMalformedPartError("missing status line", nil)},
	})

	_, err := resp.ReadResult(a)
	assert.NoError(t, err)

	_, err = resp.ReadResult(b)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrServiceError))
	assert.Contains(t, err.Error(), "no B")

	_, err = resp.ReadResult(c)
	assert.True(t, model.IsCode(err, model.ErrMalformedPart))
}

func TestCorrelate_readAnsweredWithChangeSet(t *testing.T) {
	read := ReadAll("A")
	resp, _ := correlate(mustBuild(t, NewBuilder("svc").AddRead(read)), []parsedPart{
		{nested: []*Result{status(http.StatusOK, "")}},
	})
	_, err := resp.ReadResult(read)
	assert.True(t, model.IsCode(err, model.ErrMalformedPart), "got %v", err)
}

func TestCorrelate_changeSetOutcomes(t *testing.T) {
	tests := []struct {
		name string
		part parsedPart
		code string
	}{
		{"rejected as a single part", parsedPart{result: status(http.StatusBadRequest, `{"error":{"message":{"value":"bad"}}}`)}, model.ErrServiceError},
		{"single success part", parsedPart{result: status(http.StatusOK, "")}, model.ErrMalformedPart},
		{"failure inside multipart", parsedPart{nested: []*Result{status(http.StatusNoContent, ""), status(http.StatusConflict, "")}}, model.ErrServiceError},
		{"count mismatch", parsedPart{nested: []*Result{status(http.StatusNoContent, "")}}, model.ErrMalformedPart},
		{"part error", parsedPart{err: model.NewMalformedPartError("x", nil)}, model.ErrMalformedPart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			del := Delete("A", SingleKey(1))
			req := mustBuild(t, NewBuilder("svc").AddChangeSet(del, Delete("A", SingleKey(2))))
			resp, _ := correlate(req, []parsedPart{tt.part})

			outcome := resp.Get(0)
			assert.False(t, outcome.IsSuccess())
			assert.True(t, model.IsCode(outcome.Err(), tt.code), "got %v", outcome.Err())
			assert.Empty(t, outcome.Results())

			_, err := resp.ChangeResult(del)
			assert.ErrorIs(t, err, outcome.Err())
		})
	}
}

func TestCorrelate_missingAndExtraParts(t *testing.T) {
	a, b := ReadAll("A"), ReadAll("B")
	req := mustBuild(t, NewBuilder("svc").AddRead(a).AddChangeSet(Delete("A", SingleKey(1))).AddRead(b))

	resp, extra := correlate(req, []parsedPart{ok("")})
	assert.Zero(t, extra)
	assert.True(t, model.IsCode(resp.Get(0).Err(), model.ErrMalformedPart))
	_, err := resp.ReadResult(b)
	assert.True(t, model.IsCode(err, model.ErrMalformedPart))

	resp, extra = correlate(mustBuild(t, NewBuilder("svc").AddRead(a)), []parsedPart{ok(""), ok(""), ok("")})
	assert.Equal(t, 2, extra)
	assert.Equal(t, 1, resp.Len())
}

func TestResponse_GetOutOfRange(t *testing.T) {
	req := mustBuild(t, NewBuilder("svc").AddRead(ReadAll("A")).AddChangeSet(Delete("A", SingleKey(1))))
	resp, _ := correlate(req, []parsedPart{ok(""), {nested: []*Result{status(http.StatusNoContent, "")}}})

	assert.True(t, resp.Get(0).IsSuccess())
	for _, i := range []int{-1, 1, 5} {
		outcome := resp.Get(i)
		assert.False(t, outcome.IsSuccess())
		assert.True(t, model.IsCode(outcome.Err(), model.ErrInvalidArgument), "Get(%d) = %v", i, outcome.Err())
	}
}

func TestResponse_unknownOperations(t *testing.T) {
	req := mustBuild(t, NewBuilder("svc").AddRead(ReadAll("A")))
	resp, _ := correlate(req, []parsedPart{ok("")})

	_, err := resp.ReadResult(ReadAll("A"))
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
	_, err = resp.FunctionResult(NewFunction("F", http.MethodGet))
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
	_, err = resp.ChangeResult(Delete("A", SingleKey(1)))
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
}

func TestResponse_sameReadTwiceReturnsFirst(t *testing.T) {
	read := ReadAll("A")
	req := mustBuild(t, NewBuilder("svc").AddRead(read, read))
	resp, _ := correlate(req, []parsedPart{ok(`{"n":1}`), ok(`{"n":2}`)})

	res, err := resp.ReadResult(read)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(res.Body))
}

// Order is preserved for any number of items when the response mirrors the
// request part by part.
func TestRoundTrip_orderPreserved(t *testing.T) {
	for _, n := range []int{0, 1, 7, 40} {
		b := NewBuilder("svc")
		reads := make([]*ReadOperation, n)
		for i := range reads {
			reads[i] = ReadByKey("People", SingleKey(i))
			b.AddRead(reads[i])
			if i%3 == 0 {
				b.AddChangeSet(Create("People", map[string]any{"ID": i}), Delete("People", SingleKey(i)))
			}
		}
		req := mustBuild(t, b)

		enc, err := Encode(req)
		require.NoError(t, err)
		mirrored, err := odatatest.Mirror(enc.ContentType, enc.Body)
		require.NoError(t, err)

		parts, err := parseBatch(mirrored.ContentType(), mirrored.Bytes())
		require.NoError(t, err)
		resp, extra := correlate(req, parts)
		require.Zero(t, extra)
		require.Equal(t, req.Len(), resp.Len())

		for i, read := range reads {
			res, err := resp.ReadResult(read)
			require.NoError(t, err)
			assert.Equal(t, ReadByKey("People", SingleKey(i)).Path(), res.Field("target").String())
		}
		for i := 0; i < resp.ChangeSetCount(); i++ {
			outcome := resp.Get(i)
			require.True(t, outcome.IsSuccess(), "changeset %d: %v", i, outcome.Err())
			require.Len(t, outcome.CreatedEntities(), 1)
			assert.EqualValues(t, i*3, outcome.CreatedEntities()[0].Field("ID").Int())
		}
	}
}
