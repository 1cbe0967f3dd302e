// Package tools provides host process helpers shared by the operator
// commands.
//
// Ownership boundary:
// - detached worker launch
//
// - child exit observation
package tools
