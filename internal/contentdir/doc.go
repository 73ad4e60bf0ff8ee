// Package contentdir maps ContentDirectory object ids onto the configured
// shared folders and renders Browse and Search results as DIDL-Lite.
//
// Object ids are the URL-escaped path of an entry relative to the shared
// folder that contains it, so they are recomputed on every request and
// nothing about the filesystem is cached. "0" is the virtual root that merges
// the direct children of every shared folder.
package contentdir
