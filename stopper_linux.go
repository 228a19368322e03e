//  Copyright 2024 Ordo One AB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux && cgo

package profrec

/*
#include <errno.h>
#include <semaphore.h>
#include <signal.h>
#include <stdint.h>
#include <string.h>
#include <time.h>
#include <ucontext.h>

// One fixed-size context slot shared between the handler and the stopper.
// The Go side serializes stops on a mutex, so the handler only ever races
// with the single stop that signalled it. The handler is async-signal-safe:
// plain stores into the slot and sem_post/sem_wait, nothing else.
typedef struct {
	volatile uint64_t pc;
	volatile uint64_t sp;
	volatile uint64_t fp;
	sem_t captured; // posted by the handler once the slot holds the context
	sem_t release;  // posted by the stopper to resume the parked thread
} profrec_slot_t;

static profrec_slot_t profrec_slot;

static void profrec_handler(int signo, siginfo_t *info, void *uap) {
	ucontext_t *uc = (ucontext_t *)uap;
#if defined(__x86_64__)
	profrec_slot.pc = (uint64_t)uc->uc_mcontext.gregs[REG_RIP];
	profrec_slot.sp = (uint64_t)uc->uc_mcontext.gregs[REG_RSP];
	profrec_slot.fp = (uint64_t)uc->uc_mcontext.gregs[REG_RBP];
#elif defined(__aarch64__)
	profrec_slot.pc = (uint64_t)uc->uc_mcontext.pc;
	profrec_slot.sp = (uint64_t)uc->uc_mcontext.sp;
	profrec_slot.fp = (uint64_t)uc->uc_mcontext.regs[29];
#else
	profrec_slot.pc = 0;
	profrec_slot.sp = 0;
	profrec_slot.fp = 0;
#endif
	sem_post(&profrec_slot.captured);
	while (sem_wait(&profrec_slot.release) != 0) {
		// EINTR: keep the thread parked until the walker is done.
	}
}

// The signal is reserved out of the realtime range. SIGRTMIN+0/+1 belong to
// glibc's thread implementation; +4 is clear of every user of the range we
// know about.
static int profrec_rtsig(void) { return SIGRTMIN + 4; }

static int profrec_install(int signo) {
	struct sigaction sa;
	if (sem_init(&profrec_slot.captured, 0, 0) != 0) {
		return -1;
	}
	if (sem_init(&profrec_slot.release, 0, 0) != 0) {
		return -1;
	}
	memset(&sa, 0, sizeof(sa));
	// SA_ONSTACK: the host may run the handler on small goroutine-style
	// stacks; the alternate stack is always safe.
	sa.sa_sigaction = profrec_handler;
	sa.sa_flags = SA_SIGINFO | SA_RESTART | SA_ONSTACK;
	sigemptyset(&sa.sa_mask);
	return sigaction(signo, &sa, NULL);
}

// profrec_drain_captured consumes stale capture tokens left behind by a
// thread that entered the handler after its stop had already timed out.
static int profrec_drain_captured(void) {
	int n = 0;
	while (sem_trywait(&profrec_slot.captured) == 0) {
		n++;
	}
	return n;
}

static int profrec_wait_captured(int timeout_ms) {
	struct timespec ts;
	clock_gettime(CLOCK_REALTIME, &ts);
	ts.tv_sec += timeout_ms / 1000;
	ts.tv_nsec += (long)(timeout_ms % 1000) * 1000000L;
	if (ts.tv_nsec >= 1000000000L) {
		ts.tv_sec += 1;
		ts.tv_nsec -= 1000000000L;
	}
	for (;;) {
		if (sem_timedwait(&profrec_slot.captured, &ts) == 0) {
			return 0;
		}
		if (errno == EINTR) {
			continue;
		}
		return -1;
	}
}

static void profrec_post_release(void) { sem_post(&profrec_slot.release); }

static uint64_t profrec_slot_pc(void) { return profrec_slot.pc; }
static uint64_t profrec_slot_sp(void) { return profrec_slot.sp; }
static uint64_t profrec_slot_fp(void) { return profrec_slot.fp; }
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type stopperState struct {
	mu sync.Mutex // serializes stops; held across the whole signalled..release window

	installOnce sync.Once
	installErr  error
	signo       unix.Signal

	// stuckPending records that the previous stop timed out, so a stale
	// capture token from a late handler entry is expected rather than an
	// invariant violation.
	stuckPending bool
}

var stopper stopperState

func installHandler() error {
	stopper.installOnce.Do(func() {
		stopper.signo = unix.Signal(C.profrec_rtsig())
		if C.profrec_install(C.int(stopper.signo)) != 0 {
			stopper.installErr = ErrHandlerNotInstalled
		}
	})
	return stopper.installErr
}

func withThreadPaused(tid int, timeout time.Duration, fn func(*ThreadContext) error) error {
	// Pin the goroutine so Gettid stays valid and the release below is
	// issued from a thread that is provably not the parked one.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if tid == unix.Gettid() {
		return ErrAlreadyMe
	}

	stopper.mu.Lock()
	defer stopper.mu.Unlock()

	if stopper.installErr != nil || stopper.signo == 0 {
		return ErrHandlerNotInstalled
	}

	if n := int(C.profrec_drain_captured()); n > 0 {
		if !stopper.stuckPending {
			panic("profrec: stop slot occupied with no stop in flight")
		}
	}
	stopper.stuckPending = false

	if err := unix.Tgkill(unix.Getpid(), tid, stopper.signo); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrThreadGone
		}
		return fmt.Errorf("signalling thread %d: %w", tid, err)
	}

	if C.profrec_wait_captured(C.int(timeout.Milliseconds())) != 0 {
		// The thread may still enter the handler later; leave a release
		// token so it does not stay parked, and remember that the next
		// stop may find a stale capture token.
		C.profrec_post_release()
		stopper.stuckPending = true
		return ErrStuckThread
	}

	ctx := &ThreadContext{
		TID: tid,
		PC:  uint64(C.profrec_slot_pc()),
		SP:  uint64(C.profrec_slot_sp()),
		FP:  uint64(C.profrec_slot_fp()),
	}
	err := fn(ctx)
	C.profrec_post_release()
	return err
}
