package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultScriptEmbedsIndexOnly(t *testing.T) {
	script := resultScript(7)
	assert.Contains(t, script, "const index = 7;")
	assert.NotContains(t, script, indexPlaceholder)

	// Distinct indices build distinct commands from the same template.
	other := resultScript(12)
	assert.Contains(t, other, "const index = 12;")
	assert.NotEqual(t, script, other)
}

func TestAuxiliaryScriptsEmbedIndex(t *testing.T) {
	for name, script := range map[string]string{
		"hover":     hoverNotifyScript(3),
		"highlight": highlightScript(3),
	} {
		assert.Contains(t, script, "const index = 3;", name)
		assert.NotContains(t, script, indexPlaceholder, name)
	}
	assert.Contains(t, highlightScript(0), "outline")
	assert.Contains(t, hoverNotifyScript(0), "dispatchEvent")
}

func TestEvalParams(t *testing.T) {
	params := evalParams("1+1", true)
	assert.Equal(t, "1+1", params["expression"])
	assert.Equal(t, true, params["returnByValue"])
}

func TestMouseMovedParams(t *testing.T) {
	params := mouseMovedParams(10.5, 20.25)
	assert.Equal(t, "mouseMoved", params["type"])
	assert.Equal(t, 10.5, params["x"])
	assert.Equal(t, 20.25, params["y"])
}

func TestSearchURLEscapesQuery(t *testing.T) {
	u := SearchURL("red pandas & friends")
	assert.True(t, strings.HasPrefix(u, "https://www.google.com/search?tbm=isch&q="))
	assert.Contains(t, u, "red+pandas+%26+friends")
}
