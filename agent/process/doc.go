/*
Package process locates, lists and signals operating-system processes.

Everything here shells out to the host's own tools (pgrep, ps, pkill, killall, lsof) through a runner.Runner and
normalizes their tabular output. Signals to a single pid are sent directly with kill(2).

Pattern operations match against the full command line, the same way `pgrep -f` does.
*/
package process
