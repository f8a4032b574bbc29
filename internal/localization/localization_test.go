package localization

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedLocalesShareKeys(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	assert.Len(t, l.translations, 2)

	for key := range l.translations[DefaultLanguage] {
		_, ok := l.translations["uk"][key]
		assert.True(t, ok, "uk is missing %q", key)
	}
}

func TestGetString_Fallbacks(t *testing.T) {
	fsys := fstest.MapFS{
		"i18n/en.json":   {Data: []byte(`{"greeting":"Hello","only_en":"English only"}`)},
		"i18n/uk.json":   {Data: []byte(`{"greeting":"Привіт"}`)},
		"i18n/notes.txt": {Data: []byte("ignored")},
	}
	l, err := NewLocalizer(fsys, "i18n")
	require.NoError(t, err)

	assert.Equal(t, "Привіт", l.GetString("uk", "greeting"))
	assert.Equal(t, "English only", l.GetString("uk", "only_en"))
	assert.Equal(t, "Hello", l.GetString("de", "greeting"))
	assert.Equal(t, "missing_key", l.GetString("uk", "missing_key"))
}

func TestFormat(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	assert.Equal(t, "📞 Alice is calling you.", l.Format("en", "missed_call_voice", "Alice"))
}

func TestNewLocalizer_BadJSON(t *testing.T) {
	fsys := fstest.MapFS{"i18n/en.json": {Data: []byte(`{"broken"`)}}
	_, err := NewLocalizer(fsys, "i18n")
	assert.Error(t, err)

	_, err = NewLocalizer(fsys, "nowhere")
	assert.Error(t, err)
}
