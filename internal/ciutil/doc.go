// Package ciutil detects continuous integration environments and resolves
// the test database settings they provide.
package ciutil
