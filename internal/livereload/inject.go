package livereload

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

const clientScript = `<script data-docserve-input="%s">
(function () {
  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var connect = function () {
    var socket = new WebSocket(scheme + location.host + %q);
    socket.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      if (msg.type !== "reload") {
        return;
      }
      if (msg.target && msg.target !== location.pathname) {
        location.assign(msg.target);
      } else {
        location.reload();
      }
    };
    socket.onclose = function () {
      setTimeout(connect, 1000);
    };
  };
  connect();
})();
</script>
`

// Script returns the client script. inputFile names the document the page
// was rendered from and may be empty.
func (m *Manager) Script(inputFile string) []byte {
	return []byte(fmt.Sprintf(clientScript, html.EscapeString(inputFile), m.path))
}

// InjectClient inserts the client script before the closing body tag of page,
// or appends it when the page has none.
func (m *Manager) InjectClient(page []byte, inputFile string) []byte {
	script := m.Script(inputFile)
	at := closingBodyOffset(page)
	if at < 0 {
		out := make([]byte, 0, len(page)+len(script))
		out = append(out, page...)
		return append(out, script...)
	}

	out := make([]byte, 0, len(page)+len(script))
	out = append(out, page[:at]...)
	out = append(out, script...)
	return append(out, page[at:]...)
}

// closingBodyOffset returns the byte offset of the last </body> end tag, or
// -1. Tags inside comments, scripts and attribute values are not matched.
func closingBodyOffset(page []byte) int {
	z := html.NewTokenizer(bytes.NewReader(page))
	offset := 0
	found := -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a read error; either way the scan is over.
			return found
		}
		raw := len(z.Raw())
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			if strings.EqualFold(string(name), "body") {
				found = offset
			}
		}
		offset += raw
	}
}
