package dao

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"pollenisator/internal/store"
)

func TestBuildConditions(t *testing.T) {
	tests := []struct {
		name     string
		filter   store.Filter
		wantSQL  []string
		wantArgs [][]interface{}
	}{
		{
			name:    "scalar",
			filter:  store.Filter{"ip": "10.0.0.5"},
			wantSQL: []string{"(data #> ?::text[] = ?::jsonb OR (jsonb_typeof(data #> ?::text[]) = 'array' AND data #> ?::text[] @> ?::jsonb))"},
			wantArgs: [][]interface{}{
				{`{"ip"}`, `"10.0.0.5"`, `{"ip"}`, `{"ip"}`, `["10.0.0.5"]`},
			},
		},
		{
			name:     "dotted path null",
			filter:   store.Filter{"infos.url": nil},
			wantSQL:  []string{"(data #> ?::text[] IS NULL OR data #> ?::text[] = 'null'::jsonb)"},
			wantArgs: [][]interface{}{{`{"infos","url"}`, `{"infos","url"}`}},
		},
		{
			name:     "containment",
			filter:   store.Filter{"status": []interface{}{"ready", "OOT"}},
			wantSQL:  []string{"data #> ?::text[] @> ?::jsonb"},
			wantArgs: [][]interface{}{{`{"status"}`, `["ready","OOT"]`}},
		},
		{
			name:     "empty in",
			filter:   store.Filter{"_id": store.In{}},
			wantSQL:  []string{"FALSE"},
			wantArgs: [][]interface{}{nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conds, err := buildConditions(tt.filter)
			require.NoError(t, err)
			require.Len(t, conds, len(tt.wantSQL))
			for i, c := range conds {
				assert.Equal(t, tt.wantSQL[i], c.SQL)
				assert.Equal(t, tt.wantArgs[i], c.Args)
			}
		})
	}
}

func TestBuildConditionsStringIn(t *testing.T) {
	conds, err := buildConditions(store.Filter{"_id": store.In{"a", "b"}, "name": "nmap"})
	require.NoError(t, err)
	require.Len(t, conds, 2)

	// keys are sorted, _id first
	assert.Contains(t, conds[0].SQL, "data #>> ?::text[] IN ?")
	assert.Equal(t, []string{"a", "b"}, conds[0].Args[1])
	assert.Contains(t, conds[1].SQL, "= ?::jsonb")
}

func TestBuildConditionsMixedIn(t *testing.T) {
	conds, err := buildConditions(store.Filter{"port": store.In{"80", float64(443)}})
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Contains(t, conds[0].SQL, " OR ")
	assert.Len(t, conds[0].Args, 10)
}

func TestToBSONFilter(t *testing.T) {
	f := toBSONFilter(store.Filter{
		"name":   "nmap",
		"status": []interface{}{"ready"},
		"_id":    store.In{"a", "b"},
		"notes":  nil,
	})

	assert.Equal(t, "nmap", f["name"])
	assert.Equal(t, bson.M{"$all": bson.A{"ready"}}, f["status"])
	assert.Equal(t, bson.M{"$in": bson.A{"a", "b"}}, f["_id"])
	assert.Nil(t, f["notes"])
}

func TestToBSONUpdate(t *testing.T) {
	u := toBSONUpdate(store.Update{
		Set:   map[string]interface{}{"scanner": "w1"},
		Unset: []string{"dated"},
		Pull:  map[string]interface{}{"status": store.In{"OOS"}},
		Push:  map[string]interface{}{"running_tools": map[string]interface{}{"tool_iid": "t"}},
	})

	assert.Equal(t, bson.M{"scanner": "w1"}, u["$set"])
	assert.Equal(t, bson.M{"dated": ""}, u["$unset"])
	assert.Equal(t, bson.M{"status": bson.M{"$in": bson.A{"OOS"}}}, u["$pull"])
	assert.Contains(t, u, "$push")
	assert.NotContains(t, u, "$addToSet")
}

func TestPlainValue(t *testing.T) {
	doc := toDocument(bson.M{
		"_id":   "x",
		"port":  int32(80),
		"count": int64(3),
		"infos": bson.D{{Key: "k", Value: bson.A{int32(1), "v"}}},
	})

	assert.Equal(t, float64(80), doc["port"])
	assert.Equal(t, float64(3), doc["count"])
	assert.Equal(t, map[string]interface{}{"k": []interface{}{float64(1), "v"}}, doc["infos"])
}
