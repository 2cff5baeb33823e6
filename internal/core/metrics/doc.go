// Package metrics 提供传输栈的 Prometheus 指标
//
// 所有指标挂在一个 *Metrics 上，各层持有同一个实例；
// nil *Metrics 是合法的空实现，未启用指标时各层无需判空。
//
// # 指标一览
//
//	pastry_liveness_pings_sent_total           发出的 ping
//	pastry_liveness_pongs_received_total       收到的 pong
//	pastry_liveness_pings_received_total       收到的 ping
//	pastry_liveness_transitions_total{state}   存活状态变化
//	pastry_liveness_rtt_seconds                RTT 样本
//	pastry_identity_mismatches_total           身份不匹配
//	pastry_identity_dead_forever_total         永久死亡判定
//	pastry_priority_messages_total{result}     消息结果（sent/failed/overflow/cancelled）
//	pastry_priority_queue_depth                全部目的地的队列深度
//	pastry_priority_primary_sockets            打开的 primary socket
//	pastry_bytes_total{direction}              优先级层收发字节
//	pastry_protocol_violations_total{layer}    协议违规
//
// # Fx 模块
//
//	app := fx.New(
//	    metrics.Module,
//	    fx.Invoke(func(m *metrics.Metrics, reg *prometheus.Registry) { ... }),
//	)
package metrics
