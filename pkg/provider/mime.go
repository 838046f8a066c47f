package provider

import (
	"mime"
	"path"

	"github.com/fulmenhq/gofulmen/foundry"
)

// ContentTypeFor guesses a MIME type from the key's extension. The Foundry
// catalog wins for the data formats it knows; everything else falls back to
// the platform table. It returns "" when the extension is unknown.
func ContentTypeFor(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return ""
	}
	if mt, err := foundry.GetMimeTypeByExtension(ext); err == nil && mt != nil {
		return mt.Mime
	}
	return mime.TypeByExtension(ext)
}
