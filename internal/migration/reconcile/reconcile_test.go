package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constitutional/internal/migration/models"
)

func settings(policy models.ConflictPolicy) models.ReconcileSettings {
	return models.ReconcileSettings{
		MatchFields:        []string{"id"},
		ConflictResolution: policy,
	}
}

func Test_MatchKey(t *testing.T) {
	r := New(models.ReconcileSettings{MatchFields: []string{"region", "id"}})

	key, err := r.MatchKey(models.Record{"region": "north", "id": 42.0})
	require.NoError(t, err)
	assert.Equal(t, "north:42", key)

	_, err = r.MatchKey(models.Record{"region": "north"})
	require.Error(t, err)

	_, err = r.MatchKey(models.Record{"region": "north", "id": nil})
	require.Error(t, err, "nil match field values are rejected")
}

func Test_Reconcile_Unmatched(t *testing.T) {
	r := New(settings(models.PolicySource))
	src := models.Record{"id": "b-1", "title": "New Bill"}

	out := r.Reconcile(src, nil)
	assert.False(t, out.Matched)
	assert.False(t, out.NoOp)
	assert.Nil(t, out.Conflict)
	assert.Equal(t, src, out.Resolved)
}

func Test_Reconcile_IdenticalIsNoOp(t *testing.T) {
	r := New(settings(models.PolicySource))
	src := models.Record{"id": "b-1", "title": "Bill", "version": 2.0}
	dst := models.Record{"id": "b-1", "title": "Bill", "version": 2, "local": "kept"}

	out := r.Reconcile(src, dst)
	assert.True(t, out.Matched)
	assert.True(t, out.NoOp, "numeric type drift does not count as a conflict")
	assert.Nil(t, out.Conflict)
}

func Test_Reconcile_SourcePolicy(t *testing.T) {
	r := New(settings(models.PolicySource))
	src := models.Record{"id": "b-1", "title": "Amended"}
	dst := models.Record{"id": "b-1", "title": "Original", "local_notes": "keep me"}

	out := r.Reconcile(src, dst)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, models.ResolutionSource, out.Conflict.Resolution)
	assert.Equal(t, []string{"title"}, out.Conflict.ConflictingFields)
	assert.Equal(t, "Amended", out.Resolved["title"])
	assert.Equal(t, "keep me", out.Resolved["local_notes"], "source overlays, destination-only fields survive")
}

func Test_Reconcile_DestinationPolicy(t *testing.T) {
	r := New(settings(models.PolicyDestination))
	src := models.Record{"id": "b-1", "title": "Amended"}
	dst := models.Record{"id": "b-1", "title": "Original"}

	out := r.Reconcile(src, dst)
	assert.True(t, out.NoOp)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, models.ResolutionDestination, out.Conflict.Resolution)
}

func Test_Reconcile_NewestPolicy(t *testing.T) {
	r := New(settings(models.PolicyNewest))

	newer := models.Record{"id": "b-1", "title": "Newer", "updated_at": "2026-03-02T00:00:00Z"}
	older := models.Record{"id": "b-1", "title": "Older", "updated_at": "2026-03-01T00:00:00Z"}

	out := r.Reconcile(newer, older)
	assert.Equal(t, models.ResolutionSource, out.Conflict.Resolution)
	assert.Equal(t, "Newer", out.Resolved["title"])

	out = r.Reconcile(older, newer)
	assert.True(t, out.NoOp)
	assert.Equal(t, models.ResolutionDestination, out.Conflict.Resolution)
}

func Test_Reconcile_NewestPolicy_TieFavorsSource(t *testing.T) {
	r := New(settings(models.PolicyNewest))
	src := models.Record{"id": "b-1", "title": "A", "updated_at": "2026-03-01T00:00:00Z"}
	dst := models.Record{"id": "b-1", "title": "B", "updated_at": "2026-03-01T00:00:00Z"}

	out := r.Reconcile(src, dst)
	assert.Equal(t, models.ResolutionSource, out.Conflict.Resolution)
}

func Test_Reconcile_NewestPolicy_MissingDestinationTimestamp(t *testing.T) {
	r := New(settings(models.PolicyNewest))
	src := models.Record{"id": "b-1", "title": "A", "updated_at": "2026-03-01T00:00:00Z"}
	dst := models.Record{"id": "b-1", "title": "B"}

	out := r.Reconcile(src, dst)
	assert.Equal(t, models.ResolutionSource, out.Conflict.Resolution, "untimestamped destination loses")
}

func Test_Reconcile_MergePolicy(t *testing.T) {
	r := New(models.ReconcileSettings{
		MatchFields:        []string{"id"},
		ConflictResolution: models.PolicyMerge,
		PreferSourceFields: []string{"status"},
	})
	src := models.Record{"id": "b-1", "title": "Src Title", "status": "voting", "new_field": "added"}
	dst := models.Record{"id": "b-1", "title": "Dst Title", "status": "draft"}

	out := r.Reconcile(src, dst)
	require.NotNil(t, out.Resolved)
	assert.Equal(t, models.ResolutionMerged, out.Conflict.Resolution)
	assert.Equal(t, "Dst Title", out.Resolved["title"], "destination wins by default")
	assert.Equal(t, "voting", out.Resolved["status"], "prefer-source field takes the source value")
	assert.Equal(t, "added", out.Resolved["new_field"], "source-only fields are added")
}

func Test_Reconcile_ManualPolicy(t *testing.T) {
	r := New(settings(models.PolicyManual))
	src := models.Record{"id": "b-1", "title": "A"}
	dst := models.Record{"id": "b-1", "title": "B"}

	out := r.Reconcile(src, dst)
	assert.True(t, out.Skipped)
	assert.Nil(t, out.Resolved)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, models.ResolutionSkipped, out.Conflict.Resolution)
}

func Test_Reconcile_DefaultsToSourcePolicy(t *testing.T) {
	r := New(models.ReconcileSettings{MatchFields: []string{"id"}})
	out := r.Reconcile(
		models.Record{"id": "b-1", "title": "A"},
		models.Record{"id": "b-1", "title": "B"},
	)
	assert.Equal(t, models.ResolutionSource, out.Conflict.Resolution)
}

func Test_ValuesEqual_DateNormalization(t *testing.T) {
	r := New(settings(models.PolicySource))
	src := models.Record{"id": "b-1", "updated_at": "2026-03-01T00:00:00Z"}
	dst := models.Record{"id": "b-1", "updated_at": "2026-03-01"}

	out := r.Reconcile(src, dst)
	assert.True(t, out.NoOp, "equivalent dates in different formats are not conflicts")
}

func Test_GenerateDiff(t *testing.T) {
	before := models.Record{"title": "Old", "status": "draft", "gone": true}
	after := models.Record{"title": "New", "status": "draft", "added": 1.0}

	diffs := GenerateDiff(before, after)
	require.Len(t, diffs, 3)
	byField := map[string]models.FieldDiff{}
	for _, d := range diffs {
		byField[d.Field] = d
	}
	assert.Equal(t, "Old", byField["title"].Before)
	assert.Equal(t, "New", byField["title"].After)
	assert.Equal(t, true, byField["gone"].Before)
	assert.Nil(t, byField["gone"].After)
	assert.Nil(t, byField["added"].Before)
}

func Test_GenerateDiff_InsertHasNilBefore(t *testing.T) {
	diffs := GenerateDiff(nil, models.Record{"title": "New"})
	require.Len(t, diffs, 1)
	assert.Nil(t, diffs[0].Before)
	assert.Equal(t, "New", diffs[0].After)
}
