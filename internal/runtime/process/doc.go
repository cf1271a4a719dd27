// Package process provides a runtime that launches the supervised command as a
// local child process.
//
// On unix systems a child whose stdin is not a terminal is placed in its own
// process group so that a forced kill reaches the child and anything it
// spawned without leaving the group. A child reading a terminal stays in the
// supervisor's group, which owns the terminal, and only the child itself is
// killed. On Windows only the direct child is terminated.
package process
