package catalog

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID(TypeDifferential, "shop", time.Date(2025, 3, 1, 9, 5, 7, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^differential_shop_20250301_090507_[0-9a-f]{4}$`), id)
	assert.Len(t, IDSuffix(id), 4)
	assert.Equal(t, "abc", IDSuffix("abc"))
}

func TestTimestamp_NaiveIsUTC(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-05-06T07:08:09.123456"`), &ts))
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, 7, ts.Hour())

	require.NoError(t, json.Unmarshal([]byte(`"2024-05-06T07:08:09+02:00"`), &ts))
	assert.Equal(t, 5, ts.UTC().Hour())

	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestTimestamp_Marshal(t *testing.T) {
	out, err := json.Marshal(NewTimestamp(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)))
	require.NoError(t, err)
	assert.JSONEq(t, `"2024-05-06T07:08:09Z"`, string(out))

	out, err = json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestTables_AcceptsLegacyList(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"tables": ["users", "orders"]}`), &rec))
	assert.Equal(t, []string{"orders", "users"}, rec.Tables.Names())

	require.NoError(t, json.Unmarshal([]byte(`{"tables": {"b": {"rows_count": 3}, "a": {}}}`), &rec))
	assert.Equal(t, []string{"a", "b"}, rec.Tables.Names())
	assert.Equal(t, int64(3), rec.Tables["b"].RowsCount)
}

func TestRecord_Ancestor(t *testing.T) {
	assert.Equal(t, "", (&Record{}).Ancestor())
	assert.Equal(t, "full", (&Record{BaseBackupID: "full"}).Ancestor())
	assert.Equal(t, "parent", (&Record{ParentBackupID: "parent", BaseBackupID: "full"}).Ancestor())
}
