/*
Worker runs one agent: a supervisor per agent, many supervisors per process.

# Module
  - cycle task: runs the executor once immediately, then every agent interval
  - heartbeat task: refreshes the ownership lease and writes the heartbeat
  - execution lock: serializes cycles of one agent across processes
  - connector: builds the trading adapter and rebuilds it when it goes stale

# Source
 1. agent row, account row from the repository
 2. decrypted credentials from the credential store
 3. exchange positions from the trading adapter (per-cycle reconciliation)

# Produce
  - performance counters and state on the agent row
  - heartbeat records
  - warning status after repeated cycle failures

# Sharded
  - agent id, owned through the coordination store
*/
package worker
