// Package syncclient moves edge events to the server.
//
// Client speaks the JSON sync protocol over HTTP. Agent drains the edge
// log's unsynced events through a Client in batches, marks the ids the
// server settled, raises an operator alert per conflict, and folds the
// server's vector clock into the device clock. Transport failures flip the
// log to offline mode; the next successful round trip flips it back.
package syncclient
