// Package pagination enumerates FOLIO search results as a lazy record
// sequence, choosing between two strategies based on the query:
//
//   - Offset-based: pages by numeric offset; terminates at the first page
//     shorter than the batch size. Used for queries with custom sort
//     orders.
//   - ID-based: pages by "id > last seen" over an id-sorted query. The
//     server never skips records, so deep scans do not slow down the way
//     large offsets do. Selected when the query is empty or contains
//     "sortBy id".
//
// Both strategies share one cursor implementation exposed through two thin
// adapters: Iter for blocking pull-based consumption and Stream for
// channel-based consumption under a cooperative scheduler. Pages are
// fetched strictly sequentially; a consumer that stops early causes no
// further page requests.
package pagination
