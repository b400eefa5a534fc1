package wasihost

import "github.com/llmsandbox/wasmsh/internal/errs"

// Errno mirrors the WASI preview1 errno encoding (wasi_snapshot_preview1
// §errno): a flat uint32 enum returned as the last, or only, result of
// nearly every import. 0 always means success.
type Errno = uint32

const (
	ErrnoSuccess Errno = iota
	Errno2big
	ErrnoAcces
	ErrnoAddrinuse
	ErrnoAddrnotavail
	ErrnoAfnosupport
	ErrnoAgain
	ErrnoAlready
	ErrnoBadf
	ErrnoBadmsg
	ErrnoBusy
	ErrnoCanceled
	ErrnoChild
	ErrnoConnaborted
	ErrnoConnrefused
	ErrnoConnreset
	ErrnoDeadlk
	ErrnoDestaddrreq
	ErrnoDom
	ErrnoDquot
	ErrnoExist
	ErrnoFault
	ErrnoFbig
	ErrnoHostunreach
	ErrnoIdrm
	ErrnoIlseq
	ErrnoInprogress
	ErrnoIntr
	ErrnoInval
	ErrnoIo
	ErrnoIsconn
	ErrnoIsdir
	ErrnoLoop
	ErrnoMfile
	ErrnoMlink
	ErrnoMsgsize
	ErrnoMultihop
	ErrnoNametoolong
	ErrnoNetdown
	ErrnoNetreset
	ErrnoNetunreach
	ErrnoNfile
	ErrnoNobufs
	ErrnoNodev
	ErrnoNoent
	ErrnoNoexec
	ErrnoNolck
	ErrnoNolink
	ErrnoNomem
	ErrnoNomsg
	ErrnoNoprotoopt
	ErrnoNospc
	ErrnoNosys
	ErrnoNotconn
	ErrnoNotdir
	ErrnoNotempty
	ErrnoNotrecoverable
	ErrnoNotsock
	ErrnoNotsup
	ErrnoNotty
	ErrnoNxio
	ErrnoOverflow
	ErrnoOwnerdead
	ErrnoPerm
	ErrnoPipe
	ErrnoProto
	ErrnoProtonosupport
	ErrnoPrototype
	ErrnoRange
	ErrnoRofs
	ErrnoSpipe
	ErrnoSrch
	ErrnoStale
	ErrnoTimedout
	ErrnoTxtbsy
	ErrnoXdev
	ErrnoNotcapable
)

// errnoFromErr maps the sandbox's shared errs.Kind taxonomy onto the
// nearest WASI errno, matching the POSIX mapping path_open and friends
// already use elsewhere in the host ABI.
func errnoFromErr(err error) Errno {
	if err == nil {
		return ErrnoSuccess
	}
	switch errs.KindOf(err) {
	case errs.ENOENT:
		return ErrnoNoent
	case errs.ENOTDIR:
		return ErrnoNotdir
	case errs.EISDIR:
		return ErrnoIsdir
	case errs.EEXIST:
		return ErrnoExist
	case errs.ENOTEMPTY:
		return ErrnoNotempty
	case errs.EROFS:
		return ErrnoRofs
	case errs.ENOSPC:
		return ErrnoNospc
	case errs.EPIPE:
		return ErrnoPipe
	case errs.EINVAL:
		return ErrnoInval
	case errs.EBADF:
		return ErrnoBadf
	case errs.TIMEOUT:
		return ErrnoTimedout
	case errs.CANCELLED:
		return ErrnoCanceled
	default:
		return ErrnoIo
	}
}
