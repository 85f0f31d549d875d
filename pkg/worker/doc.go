/*
Package worker runs Warlock task payloads outside the server process.

The server never executes a runner or service inline. For each one it
spawns a worker process (normally "warlock worker") through a Launcher and
talks to it over the process pipes with line framed packets:

	server                              worker process
	──────                              ──────────────
	EXEC {id, exec, params}   ──stdin──►  spawn exec.command
	SERVICE {id, name, ...}             │
	                          ◄─stdout──  STATUS {status: running, pid}
	                          ◄─stdout──  LOG {message, level}   (child output)
	CANCEL                    ──stdin──►  kill child
	                          ◄─stdout──  STATUS {status: complete|error, exit_code}
	                                      exit with the child's code

The worker's exit code is what the server's service supervisor interprets:
losing stdin exits with ExitLostControl, an unreadable payload with
ExitBadPayload and a missing command with ExitNotFound.

ExecSpawner is the os/exec implementation of Spawner; tests substitute
their own.
*/
package worker
