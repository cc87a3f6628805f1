/*
Package bus 实现进程内消息总线：每个 Agent 一个有界 FIFO 邮箱，
支持按主题扇出的事件发布与点对点直达消息，并维护一个有界的
事件历史环（容量满时淘汰最旧条目）。

投递保证：仅保证单个接收者内的 FIFO 顺序，不保证跨发送者的全局
顺序。邮箱有界：慢消费者积压到容量上限后，最旧的消息被丢弃并计数，
以避免内存无界增长。

Subscribe 是幂等的：同一 Agent 重复订阅返回同一邮箱，主题集取并集；
不带主题订阅表示接收全部主题。
*/
package bus
