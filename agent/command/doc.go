/*
Package command runs a restricted set of command lines on the host.

A command line is accepted only if its first whitespace-separated token is a whitelisted program name. The whitelist
is advisory: in the default shell mode the whole original line is handed to `sh -c`, so pipes, redirections and
chained commands after an allowed program still run. The argv mode closes that gap by splitting the line with
shell quoting rules and executing it directly, at the cost of breaking legitimate pipelines.
*/
package command
