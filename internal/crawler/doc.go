// Package crawler holds the shared vocabulary of the playbook crawler: fetch
// requests and responses, proxies, result records, and the capability
// interfaces that the orchestrator is wired with.
package crawler
