package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/fhir-server/internal/platform/db"
)

func newTestEngine(t *testing.T) (*Engine, *fakeDB) {
	t.Helper()
	f := newFakeDB()
	dialect, err := db.NewDialect("postgresql")
	require.NoError(t, err)
	return NewEngine(f, dialect, zerolog.Nop(), Options{}), f
}

func practitionerBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Practitioner",
		"id":           id,
		"name":         []interface{}{map[string]interface{}{"family": "Welby"}},
	}
}

func patientBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"gender":       "female",
		"name":         []interface{}{map[string]interface{}{"family": "Doe"}},
		"generalPractitioner": []interface{}{
			map[string]interface{}{"reference": "Practitioner/gp1"},
		},
		"extension": []interface{}{
			map[string]interface{}{"url": "http://example.org/eye-color", "valueString": "blue"},
		},
	}
}

func versionOf(t *testing.T, resource map[string]interface{}) string {
	t.Helper()
	meta, ok := resource["meta"].(map[string]interface{})
	require.True(t, ok, "resource has no meta")
	version, _ := meta["versionId"].(string)
	return version
}

func seedPractitioner(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.Create(context.Background(), "Practitioner", practitionerBody("gp1"))
	require.NoError(t, err)
}

func TestCreateReadRoundTrip(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	seedPractitioner(t, e)

	created, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.NoError(t, err)
	assert.Equal(t, "1", versionOf(t, created))

	got, err := e.Read(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got["id"])
	assert.Equal(t, "1", versionOf(t, got))

	// Every side table gained its rows in the same write.
	entries := f.historyFor("Patient", "p1")
	require.Len(t, entries, 1)
	assert.Equal(t, OpCreate, entries[0].operation)
	assert.Len(t, f.edges, 1)
	assert.Len(t, f.custom, 1)

	row := f.rows["PatientTable"]["p1"]
	require.NotNil(t, row)
	assert.Equal(t, "Doe", row["FAMILY"])
	assert.Equal(t, "female", row["GENDER"])
}

func TestRecreateAfterDeleteContinuesVersionSequence(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	seedPractitioner(t, e)

	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, "Patient", "p1"))

	_, err = e.Read(ctx, "Patient", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Recreating the id must extend the existing log, not collide with it.
	recreated, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.NoError(t, err)
	assert.Equal(t, "3", versionOf(t, recreated))

	entries := f.historyFor("Patient", "p1")
	require.Len(t, entries, 3)
	wantOps := []string{OpCreate, OpDelete, OpCreate}
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.version)
		assert.Equal(t, wantOps[i], entry.operation)
	}
	assert.Equal(t, 3, f.rows["PatientTable"]["p1"]["VERSION_ID"])

	updated, err := e.Update(ctx, "Patient", "p1", patientBody("p1"))
	require.NoError(t, err)
	assert.Equal(t, "4", versionOf(t, updated))
}

func TestDeleteKeepsHistoryReadable(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedPractitioner(t, e)

	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, "Patient", "p1"))

	entries, err := e.History(ctx, "Patient", "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpDelete, entries[0].Operation)
	assert.Equal(t, 2, entries[0].VersionID)
	assert.Equal(t, OpCreate, entries[1].Operation)

	v1, err := e.VRead(ctx, "Patient", "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, "p1", v1["id"])

	// The deletion marker itself is not a readable version.
	_, err = e.VRead(ctx, "Patient", "p1", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRollsBackWhenEdgeInsertFails(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	seedPractitioner(t, e)

	f.failOn = "INSERT INTO REFERENCES_TABLE"
	f.failErr = errors.New("disk full")

	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.Error(t, err)
	f.failOn = ""

	// The row, the history version and the custom param rows written before
	// the failure are all gone again.
	assert.Empty(t, f.rows["PatientTable"])
	assert.Empty(t, f.historyFor("Patient", "p1"))
	assert.Empty(t, f.custom)
	assert.Empty(t, f.edges)

	_, err = e.Read(ctx, "Patient", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRollsBackWhenRowDeleteFails(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	seedPractitioner(t, e)

	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.NoError(t, err)

	f.failOn = "DELETE FROM PatientTable"
	f.failErr = errors.New("connection lost")

	err = e.Delete(ctx, "Patient", "p1")
	require.Error(t, err)
	f.failOn = ""

	// The resource is still live, its edges and custom rows are back, and
	// the provisional DELETE history version was removed.
	got, err := e.Read(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "1", versionOf(t, got))
	assert.Len(t, f.edges, 1)
	assert.Len(t, f.custom, 1)
	require.Len(t, f.historyFor("Patient", "p1"), 1)
	assert.Equal(t, OpCreate, f.historyFor("Patient", "p1")[0].operation)
}

func TestUpdateRollsBackWhenRowUpdateFails(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	seedPractitioner(t, e)

	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.NoError(t, err)

	f.failOn = "UPDATE PatientTable"
	f.failErr = errors.New("deadlock detected")

	next := patientBody("p1")
	next["gender"] = "male"
	_, err = e.Update(ctx, "Patient", "p1", next)
	require.Error(t, err)
	f.failOn = ""

	got, err := e.Read(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "1", versionOf(t, got))
	assert.Equal(t, "female", got["gender"])

	// The edges deleted ahead of the row update were restored.
	assert.Len(t, f.edges, 1)
	assert.Len(t, f.historyFor("Patient", "p1"), 1)
}

func TestCreateRejectsDanglingReference(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()

	// Practitioner/gp1 was never created.
	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	assert.ErrorIs(t, err, ErrInvalidReference)

	// A target type without a backing table is just as dead.
	body := patientBody("p2")
	body["generalPractitioner"] = []interface{}{
		map[string]interface{}{"reference": "Widget/1"},
	}
	_, err = e.Create(ctx, "Patient", body)
	assert.ErrorIs(t, err, ErrInvalidReference)

	assert.Empty(t, f.rows["PatientTable"])
	assert.Empty(t, f.history)
	assert.Empty(t, f.edges)
}

func TestReferenceCheckFailurePropagates(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()

	f.failOn = "SELECT 1 FROM PractitionerTable"
	f.failErr = errors.New("connection reset by peer")

	_, err := e.Create(ctx, "Patient", patientBody("p1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidReference)
	assert.Empty(t, f.rows["PatientTable"])
	assert.Empty(t, f.history)
}
