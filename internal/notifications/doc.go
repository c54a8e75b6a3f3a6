// Package notifications tells the media server about new subtitle files.
//
// A Refresher subscribes to subtitle events on the bus and posts a library
// update for the affected path, so Jellyfin or Emby picks the file up without
// waiting for its own periodic scan. When no media server is configured the
// constructor returns nil, and a nil Refresher is safe to attach.
package notifications
