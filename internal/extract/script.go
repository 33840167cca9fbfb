package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// The scripts take the result index through a single numeric placeholder, so
// nothing user-controlled is ever spliced into an expression.
const indexPlaceholder = "__INDEX__"

const resultScriptTemplate = `
(() => {
  const index = ` + indexPlaceholder + `;
  const search = document.querySelector('div#search');
  if (!search) return { status: "waiting_for_container" };
  const items = search.querySelectorAll('div[data-lpage]');
  if (!items.length) return { status: "waiting_for_item" };
  if (index >= items.length) return { status: "out_of_range", available: items.length };
  const item = items[index];
  const link = item.querySelector('a[href]');
  const img = item.querySelector('img');
  const rect = item.getBoundingClientRect();
  return {
    status: "ok",
    pageUrl: item.getAttribute('data-lpage') || (link ? link.href : ""),
    imageUrl: img ? (img.currentSrc || img.src || "") : "",
    title: (item.getAttribute('aria-label') || item.textContent || "").trim().slice(0, 200),
    alt: img ? (img.alt || "") : "",
    bounds: { x: rect.x, y: rect.y, width: rect.width, height: rect.height },
  };
})();
`

const hoverNotifyScriptTemplate = `
(() => {
  const index = ` + indexPlaceholder + `;
  const search = document.querySelector('div#search');
  if (!search) return false;
  const items = search.querySelectorAll('div[data-lpage]');
  if (index >= items.length) return false;
  const item = items[index];
  for (const type of ["mouseover", "mouseenter"]) {
    item.dispatchEvent(new MouseEvent(type, { bubbles: type === "mouseover", cancelable: true, view: window }));
  }
  return true;
})();
`

const highlightScriptTemplate = `
(() => {
  const index = ` + indexPlaceholder + `;
  const search = document.querySelector('div#search');
  if (!search) return false;
  const items = search.querySelectorAll('div[data-lpage]');
  if (index >= items.length) return false;
  items[index].style.outline = "3px solid red";
  return true;
})();
`

func withIndex(template string, index int) string {
	return strings.TrimSpace(strings.ReplaceAll(template, indexPlaceholder, strconv.Itoa(index)))
}

func resultScript(index int) string {
	return withIndex(resultScriptTemplate, index)
}

func hoverNotifyScript(index int) string {
	return withIndex(hoverNotifyScriptTemplate, index)
}

func highlightScript(index int) string {
	return withIndex(highlightScriptTemplate, index)
}

// evalParams builds the Runtime.evaluate wire params.
func evalParams(expression string, byValue bool) map[string]any {
	return map[string]any{
		"expression":    expression,
		"returnByValue": byValue,
	}
}

// mouseMovedParams builds one step of a synthetic pointer path.
func mouseMovedParams(x, y float64) map[string]any {
	return map[string]any{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	}
}

// SearchURL is the image-search page for a query, with the query escaped the
// same way a browser form submit would.
func SearchURL(query string) string {
	return fmt.Sprintf("https://www.google.com/search?tbm=isch&q=%s", url.QueryEscape(query))
}
