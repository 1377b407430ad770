package opticache

import (
	"bytes"
	"strings"

	"opticache/internal/cachestore"
)

const keyboardNavMarker = "data-opticache-keyboard-nav"

// keyboardNavScript lets the arrow keys follow the page's prev/next links.
// Keys are ignored while typing in a form field or with a modifier held.
const keyboardNavScript = `<script ` + keyboardNavMarker + `>
(function() {
  document.addEventListener('keydown', function(e) {
    var tag = e.target.tagName;
    if (tag === 'INPUT' || tag === 'TEXTAREA' || e.target.isContentEditable) {
      return;
    }
    if (e.ctrlKey || e.metaKey || e.altKey) {
      return;
    }
    var link = null;
    if (e.key === 'ArrowRight') {
      link = document.querySelector('.myst-footer-link-next') ||
             document.querySelector('a[rel="next"]') ||
             document.querySelector('[aria-label="Next page"]');
    }
    if (e.key === 'ArrowLeft') {
      link = document.querySelector('.myst-footer-link-prev') ||
             document.querySelector('a[rel="prev"]') ||
             document.querySelector('[aria-label="Previous page"]');
    }
    if (link && link.href) {
      e.preventDefault();
      link.click();
    }
  });
})();
</script>
`

var closingBody = []byte("</body>")

// injectKeyboardNav inserts the navigation script before the first </body>
// of an HTML entry. Other entries, and pages that already carry it, come back
// unchanged.
func injectKeyboardNav(ent cachestore.Entry) cachestore.Entry {
	if !strings.Contains(strings.ToLower(ent.Header.Get("Content-Type")), "text/html") {
		return ent
	}
	if bytes.Contains(ent.Body, []byte(keyboardNavMarker)) {
		return ent
	}
	i := bytes.Index(ent.Body, closingBody)
	if i < 0 {
		return ent
	}
	body := make([]byte, 0, len(ent.Body)+len(keyboardNavScript))
	body = append(body, ent.Body[:i]...)
	body = append(body, keyboardNavScript...)
	body = append(body, ent.Body[i:]...)
	return cachestore.NewEntry(ent.Status, ent.Header, body)
}
