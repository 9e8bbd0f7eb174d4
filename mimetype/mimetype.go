// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package mimetype maps file extensions to the content types staticd
// sends in the Content-Type header.
package mimetype

import "path/filepath"

// Default is returned for missing or unrecognized extensions.
const Default = "application/octet-stream"

var byExtension = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
}

// FromExtension returns the content type for ext. The lookup is exact and
// case-sensitive and ext must include the leading dot.
func FromExtension(ext string) string {
	if t, ok := byExtension[ext]; ok {
		return t
	}
	return Default
}

// FromName returns the content type for the extension of the given file name.
func FromName(name string) string {
	return FromExtension(filepath.Ext(name))
}
