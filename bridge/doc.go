// Package bridge connects asynchronous sends across a runtime boundary
// through an opaque-token channel.
//
// The initiating side uses a Bridge: Initiate allocates a token, registers
// it and calls the foreign Dispatcher with it. The foreign side later calls
// OnComplete with the same token from any goroutine, which resolves the
// future returned by Initiate. Tokens increase monotonically and are never
// reused while pending; a completion for an unknown token is a protocol
// error and is reported, never ignored.
//
// The receiving side uses a ProducerAdaptor: it performs the send on a
// producer and reports the completed future through a callback carrying the
// caller's opaque value.
//
// Basic usage:
//
//	var b *bridge.Bridge
//	adaptor, _ := bridge.NewProducerAdaptor(producer, func(opaque int64, f *future.Future[contracts.SendResult]) {
//	    result, err, _ := f.Result()
//	    _ = b.OnComplete(correlation.Token(opaque), result, err)
//	})
//	b, _ = bridge.New(bridge.DispatcherFunc(func(token correlation.Token, msg *contracts.Message, props contracts.Properties) error {
//	    return adaptor.SendAsync(ctx, int64(token), msg, props)
//	}))
//
//	f, err := b.Initiate(ctx, msg, nil)
//	result, err := f.Get(ctx)
package bridge
