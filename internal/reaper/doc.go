// Package reaper finds and force-kills the descendants of the supervisor and
// collects the exit status of orphaned children that re-parented to it.
//
// Descendant discovery walks the process table and is only implemented on
// Linux. Elsewhere the sweep is a no-op and cleanup is limited to the tracked
// child, which the process runtime kills on its own.
package reaper
