// Package reactor 提供单线程协作式事件循环
//
// 传输栈中所有 socket 就绪事件与定时器都在同一个 goroutine 上串行执行，
// 各层无需为 socket 回调之间的交错加锁。其他 goroutine 通过 Invoke
// 把状态变更投递到循环上执行。
//
// # 定时器
//
// Schedule 返回可取消的 Timer，按 (到期时间, 提交顺序) 排序。
// 时间源为可注入的 clock.Clock，测试中使用 clock.NewMock()：
//
//	clk := clock.NewMock()
//	r := reactor.New(reactor.WithClock(clk))
//	r.Start()
//	defer r.Close()
//
//	r.Schedule(time.Second, fire)
//	clk.Add(time.Second)
//	r.Sync() // 等待循环静止，fire 已执行
package reactor
