// Package cli provides the chunkrelay command-line client.
//
// It wires configuration, the local chunk buffer, the retry engine and the
// HTTP transport, then executes a single command:
//
//   - add <file>...  split files into chunks and buffer them locally
//   - upload         run one upload pass over the buffer
//   - watch          upload in the background until interrupted
//   - list           show buffered files with retry state
//   - clear          drop every buffered chunk
//
// Commands are dispatched by App.Run(ctx, args). When no API key is
// configured and stdin is a terminal, upload and watch prompt for one
// without echo.
package cli
