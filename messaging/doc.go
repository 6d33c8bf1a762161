// Package messaging provides the producer facade and the transport
// capabilities it sends through.
//
// A Producer offers four send variants over a single Transport:
//   - Send: waits for the broker's receipt
//   - SendAsync: returns a future completed through the correlation table
//   - SendOneway: hands the message off without a receipt
//   - SendTransactional: stores the message provisionally and commits or
//     rolls it back according to a local transaction
//
// plus BatchSender for sending several messages together. Transports only
// have to implement Send and Close; the other variants use the optional
// capabilities (AsyncTransport, OnewayTransport, TransactionalTransport,
// BatchTransport, AtomicBatchTransport) when the transport has them and fall
// back to Send otherwise.
//
// Every send runs the producer's interceptor pipeline: pre-handlers in order
// before the send, post-handlers in reverse order once the outcome is known.
//
// Example usage:
//
//	producer := messaging.NewProducer(transport,
//		messaging.WithProducerLogger(logger),
//		messaging.WithRetryPolicy(reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)),
//	)
//	if err := producer.Startup(ctx); err != nil {
//		return err
//	}
//	defer producer.Shutdown(ctx)
//
//	msg := producer.CreateTopicBytesMessage("orders", body)
//	result, err := producer.Send(ctx, msg, nil)
//
//	f, err := producer.SendAsync(ctx, msg, nil)
//	result, err = f.Get(ctx)
package messaging
