// Package pool
// Author: momentics <momentics@gmail.com>
//
// Size-classed byte buffer pooling for the socket layer: async write
// remainders and graceful-close drain buffers are borrowed here and returned
// on completion, so no operation keeps an unbounded private queue.
package pool
