// Package crawler defines the domain types, ports, and error values shared by
// the comment harvesting pipeline: the fetcher, the remote API client, the
// dialogue builder, the harvester, and the persistence backends.
package crawler
